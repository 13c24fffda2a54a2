package instance

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/iimez/llmpool/internal/engine"
)

// ContextHash is a 128-bit content hash of a conversational or
// text-completion prefix, used as the cache key for KV-cache reuse.
//
// Collisions must never corrupt output: the scheduler always re-feeds the
// trailing user turn to the engine regardless of a cache hit, so a hash
// collision only costs a missed optimization, never wrong output.
type ContextHash string

// canonicalize encodes messages as role-tag + content + separator. Roles
// are lowercased and trimmed; content bytes, including trailing whitespace,
// are preserved as-is.
func canonicalize(messages []engine.ChatMessageIn) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		b.WriteByte('\x1f')
		b.WriteString(m.Content)
		b.WriteByte('\x1e')
	}
	return b.String()
}

// HashChatPrefix hashes all but the trailing user turn of messages, so that
// a matching instance only needs to ingest the final turn to continue the
// conversation.
func HashChatPrefix(messages []engine.ChatMessageIn) ContextHash {
	if len(messages) == 0 {
		return ""
	}
	return hashMessages(messages[:len(messages)-1])
}

// HashChatFull hashes the full message list, including the final turn; used
// after a task completes to record the new KV-cache state.
func HashChatFull(messages []engine.ChatMessageIn) ContextHash {
	return hashMessages(messages)
}

func hashMessages(messages []engine.ChatMessageIn) ContextHash {
	canon := canonicalize(messages)
	return hashString(canon)
}

// HashTextPrefix hashes a text-completion prompt's prefix for prefix
// continuation matching.
func HashTextPrefix(prompt string) ContextHash {
	return hashString(prompt)
}

// hashString produces a 128-bit hash by running xxhash twice with distinct
// byte suffixes and concatenating the two 64-bit outputs as hex. Fast and
// non-cryptographic is fine here; a collision costs a missed cache hit, not
// a wrong answer.
func hashString(s string) ContextHash {
	h1 := xxhash.Sum64String(s)
	h2 := xxhash.Sum64(append([]byte(s), 0x9e))
	return ContextHash(strconv.FormatUint(h1, 16) + strconv.FormatUint(h2, 16))
}

// IsTextPrefixMatch reports whether storedText (the prompt text the engine's
// KV cache was last fed) is a non-empty byte-prefix of prompt. The hash
// alone cannot answer a prefix question since it isn't reversible, so the
// instance keeps the small materialized prefix text alongside its hash for
// this one comparison; see Instance.contextText.
func IsTextPrefixMatch(storedText, prompt string) bool {
	return storedText != "" && strings.HasPrefix(prompt, storedText)
}
