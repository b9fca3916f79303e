package mtproto

import (
	"testing"

	"github.com/gotd/td/tg"

	"tg-recap-bot/internal/domain"
)

func docMessage(attrs ...tg.DocumentAttributeClass) *tg.Message {
	msg := &tg.Message{}
	msg.SetMedia(&tg.MessageMediaDocument{})
	media := msg.Media.(*tg.MessageMediaDocument)
	media.SetDocument(&tg.Document{Attributes: attrs})
	return msg
}

func TestClassifyMediaNone(t *testing.T) {
	has, kind := ClassifyMedia(&tg.Message{})
	if has || kind != "" {
		t.Fatalf("message without media misclassified: %v %q", has, kind)
	}
}

func TestClassifyMediaPhoto(t *testing.T) {
	msg := &tg.Message{}
	msg.SetMedia(&tg.MessageMediaPhoto{})
	has, kind := ClassifyMedia(msg)
	if !has || kind != domain.MediaPhoto {
		t.Fatalf("expected photo, got %v %q", has, kind)
	}
}

func TestClassifyMediaDocuments(t *testing.T) {
	cases := []struct {
		name string
		msg  *tg.Message
		want domain.MediaType
	}{
		{"plain document", docMessage(), domain.MediaDocument},
		{"video", docMessage(&tg.DocumentAttributeVideo{}), domain.MediaVideo},
		{"video note", docMessage(&tg.DocumentAttributeVideo{RoundMessage: true}), domain.MediaVideoNote},
		{"audio", docMessage(&tg.DocumentAttributeAudio{}), domain.MediaAudio},
		{"voice", docMessage(&tg.DocumentAttributeAudio{Voice: true}), domain.MediaVoice},
		{"sticker", docMessage(&tg.DocumentAttributeSticker{}), domain.MediaSticker},
		{"animation", docMessage(&tg.DocumentAttributeAnimated{}), domain.MediaAnimation},
	}
	for _, tc := range cases {
		has, kind := ClassifyMedia(tc.msg)
		if !has || kind != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, kind)
		}
	}
}

func TestClassifyMediaUnknown(t *testing.T) {
	msg := &tg.Message{}
	msg.SetMedia(&tg.MessageMediaGeo{})
	has, kind := ClassifyMedia(msg)
	if !has || kind != domain.MediaOther {
		t.Fatalf("unknown media should map to other, got %v %q", has, kind)
	}
}
