package voicevox

import (
	"context"
	"sort"
	"strings"
)

// Voices lists the selectable voices: one per speaker with at least one
// style, identified by that speaker's first style, sorted by name.
func Voices(ctx context.Context, c Client) ([]Voice, error) {
	speakers, err := c.Speakers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Voice, 0, len(speakers))
	for _, sp := range speakers {
		if len(sp.Styles) == 0 {
			continue
		}
		out = append(out, Voice{ID: sp.Styles[0].ID, Name: strings.TrimSpace(sp.Name)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResolveVoice returns selected if it is one of voices, otherwise the first
// voice id. ok is false when voices is empty.
func ResolveVoice(voices []Voice, selected int) (id int, ok bool) {
	if len(voices) == 0 {
		return selected, false
	}
	for _, v := range voices {
		if v.ID == selected {
			return selected, true
		}
	}
	return voices[0].ID, true
}
