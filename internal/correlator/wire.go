package correlator

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"pewbridge/internal/transport"
)

// Field numbers of the WebMessageInfo subset carried by resend responses.
const (
	fieldInfoKey       = 1
	fieldInfoMessage   = 2
	fieldInfoTimestamp = 3

	fieldKeyRemoteJID   = 1
	fieldKeyFromMe      = 2
	fieldKeyID          = 3
	fieldKeyParticipant = 4

	fieldMsgConversation = 1
	fieldMsgImage        = 3
	fieldMsgExtendedText = 6
	fieldMsgVideo        = 9
	fieldMsgEphemeral    = 40

	fieldExtendedTextText = 1
	fieldImageCaption     = 3
	fieldVideoCaption     = 7
	fieldFutureProofMsg   = 1
)

var errTruncated = errors.New("correlator: truncated message info")

// DecodeResend decodes a base64 WebMessageInfo from a payload-resend
// response. Unknown fields are skipped.
func DecodeResend(b64 string) (*transport.Message, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("correlator: resend bytes: %w", err)
	}
	msg := &transport.Message{}
	err = walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldInfoKey && typ == protowire.BytesType:
			return decodeKey(v, &msg.Key)
		case num == fieldInfoMessage && typ == protowire.BytesType:
			c, err := decodeContent(v, 0)
			if err != nil {
				return err
			}
			msg.Content = c
		case num == fieldInfoTimestamp && typ == protowire.VarintType:
			msg.Timestamp = int64(n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg.Content == nil {
		return nil, errors.New("correlator: resend carries no message")
	}
	return msg, nil
}

func decodeKey(b []byte, k *transport.MessageKey) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldKeyRemoteJID && typ == protowire.BytesType:
			k.RemoteJID = string(v)
		case num == fieldKeyFromMe && typ == protowire.VarintType:
			k.FromMe = protowire.DecodeBool(n)
		case num == fieldKeyID && typ == protowire.BytesType:
			k.ID = string(v)
		case num == fieldKeyParticipant && typ == protowire.BytesType:
			k.Participant = string(v)
		}
		return nil
	})
}

func decodeContent(b []byte, depth int) (*transport.Content, error) {
	if depth > 4 {
		return nil, errors.New("correlator: ephemeral nesting too deep")
	}
	c := &transport.Content{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldMsgConversation:
			c.Conversation = string(v)
		case fieldMsgExtendedText:
			s, err := stringField(v, fieldExtendedTextText)
			if err != nil {
				return err
			}
			c.ExtendedText = s
		case fieldMsgImage:
			s, err := stringField(v, fieldImageCaption)
			if err != nil {
				return err
			}
			c.Media = &transport.Media{Type: "image", Caption: s}
		case fieldMsgVideo:
			s, err := stringField(v, fieldVideoCaption)
			if err != nil {
				return err
			}
			c.Media = &transport.Media{Type: "video", Caption: s}
		case fieldMsgEphemeral:
			var inner []byte
			if err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num == fieldFutureProofMsg && typ == protowire.BytesType {
					inner = v
				}
				return nil
			}); err != nil {
				return err
			}
			if inner != nil {
				ic, err := decodeContent(inner, depth+1)
				if err != nil {
					return err
				}
				c.Ephemeral = ic
			}
		}
		return nil
	})
	return c, err
}

func stringField(b []byte, want protowire.Number) (string, error) {
	var out string
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == want && typ == protowire.BytesType {
			out = string(v)
		}
		return nil
	})
	return out, err
}

// walk visits each top-level field of b. Bytes fields pass their payload in
// v, varints pass their value in n.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return fmt.Errorf("%w: %w", errTruncated, protowire.ParseError(l))
		}
		b = b[l:]
		var (
			v []byte
			n uint64
		)
		switch typ {
		case protowire.BytesType:
			v, l = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(b)
		default:
			l = protowire.ConsumeFieldValue(num, typ, b)
		}
		if l < 0 {
			return fmt.Errorf("%w: %w", errTruncated, protowire.ParseError(l))
		}
		b = b[l:]
		if err := visit(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
