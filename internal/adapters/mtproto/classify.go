package mtproto

import (
	"github.com/gotd/td/tg"

	"tg-recap-bot/internal/domain"
)

// ClassifyMedia сводит вложение MTProto-сообщения к каноническому типу медиа.
// Неизвестные вложения помечаются как other, сообщения без вложений — пустым типом.
func ClassifyMedia(msg *tg.Message) (bool, domain.MediaType) {
	media, ok := msg.GetMedia()
	if !ok {
		return false, ""
	}
	switch m := media.(type) {
	case *tg.MessageMediaEmpty:
		return false, ""
	case *tg.MessageMediaPhoto:
		return true, domain.MediaPhoto
	case *tg.MessageMediaDocument:
		return true, classifyDocument(m)
	default:
		return true, domain.MediaOther
	}
}

func classifyDocument(m *tg.MessageMediaDocument) domain.MediaType {
	docClass, ok := m.GetDocument()
	if !ok {
		return domain.MediaDocument
	}
	doc, ok := docClass.(*tg.Document)
	if !ok {
		return domain.MediaDocument
	}

	var (
		video     *tg.DocumentAttributeVideo
		audio     *tg.DocumentAttributeAudio
		sticker   bool
		animation bool
	)
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			video = a
		case *tg.DocumentAttributeAudio:
			audio = a
		case *tg.DocumentAttributeSticker:
			sticker = true
		case *tg.DocumentAttributeAnimated:
			animation = true
		}
	}

	switch {
	case sticker:
		return domain.MediaSticker
	case animation:
		return domain.MediaAnimation
	case video != nil && video.RoundMessage:
		return domain.MediaVideoNote
	case video != nil:
		return domain.MediaVideo
	case audio != nil && audio.Voice:
		return domain.MediaVoice
	case audio != nil:
		return domain.MediaAudio
	default:
		return domain.MediaDocument
	}
}
