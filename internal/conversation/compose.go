package conversation

import (
	"fmt"
	"strings"

	"outreach/internal/remote"
)

// Composer produces the text for one stage.
type Composer interface {
	Compose(stage Stage, peer remote.UserIdentity, topic string) (string, error)
}

// Templates holds one template per stage. {name} and {topic} are replaced.
type Templates struct {
	Initial  string
	FollowUp string
	Final    string
}

func DefaultTemplates() Templates {
	return Templates{
		Initial:  "Hi {name}! I came across your posts about {topic} and wanted to say hello.",
		FollowUp: "Thanks for getting back to me. What got you into {topic}?",
		Final:    "Great talking with you, {name}. Have a good one!",
	}
}

// TemplateComposer fills Templates. The zero value uses DefaultTemplates.
type TemplateComposer struct {
	Templates Templates
}

func (c TemplateComposer) Compose(stage Stage, peer remote.UserIdentity, topic string) (string, error) {
	t := c.Templates
	def := DefaultTemplates()
	var tpl string
	switch stage {
	case StageInitial:
		tpl = firstNonEmpty(t.Initial, def.Initial)
	case StageFollowUp:
		tpl = firstNonEmpty(t.FollowUp, def.FollowUp)
	case StageFinal:
		tpl = firstNonEmpty(t.Final, def.Final)
	default:
		return "", fmt.Errorf("no template for stage %s", stage)
	}
	r := strings.NewReplacer("{name}", FirstName(peer), "{topic}", strings.TrimSpace(topic))
	return r.Replace(tpl), nil
}

// FirstName is the first word of the peer's full name, or the username when
// no full name is known.
func FirstName(peer remote.UserIdentity) string {
	if f := strings.Fields(peer.FullName); len(f) > 0 {
		return f[0]
	}
	return peer.Username
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
