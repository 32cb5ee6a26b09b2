package agent

import (
	"regexp"
	"strings"
)

// DefaultNoReplyToken is the sentinel the model emits to suppress an
// outbound reply entirely (for example, after a tool already sent the
// user-facing message itself).
const DefaultNoReplyToken = "NO_REPLY"

// duplicateConfirmationPatterns matches short "message sent / done /
// completed" confirmations the model sometimes appends after a tool
// call already produced user-visible output. This is a stable,
// deliberately narrow set: widening it risks swallowing legitimate
// short replies, so new patterns should only be added for a confirmed
// duplicate, not a suspected one.
var duplicateConfirmationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(message|reply|it)?\s*sent\.?$`),
	regexp.MustCompile(`(?i)^done\.?$`),
	regexp.MustCompile(`(?i)^(task|action)?\s*completed\.?$`),
	regexp.MustCompile(`(?i)^(ok|okay|got it)[,.!]?$`),
}

// ReplyShaper turns a raw model response into either a final outbound
// string or a suppression decision (§4.2.1).
type ReplyShaper struct {
	NoReplyToken string
}

// NewReplyShaper returns a ReplyShaper using DefaultNoReplyToken.
func NewReplyShaper() *ReplyShaper {
	return &ReplyShaper{NoReplyToken: DefaultNoReplyToken}
}

// Shape strips the no-reply token and, when sentMessageThisRun is true,
// suppresses a trailing duplicate confirmation. ok is false when the
// reply should be suppressed entirely.
func (s *ReplyShaper) Shape(content string, sentMessageThisRun bool) (shaped string, ok bool) {
	token := s.NoReplyToken
	if token == "" {
		token = DefaultNoReplyToken
	}

	hadToken := strings.Contains(content, token)
	stripped := strings.ReplaceAll(content, token, "")
	trimmed := strings.TrimSpace(stripped)

	if hadToken && trimmed == "" {
		return "", false
	}

	if sentMessageThisRun && isDuplicateConfirmation(trimmed) {
		return "", false
	}

	return trimmed, true
}

func isDuplicateConfirmation(s string) bool {
	if s == "" {
		return false
	}
	for _, re := range duplicateConfirmationPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
