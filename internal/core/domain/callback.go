package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Callback payloads travel through inline buttons and come back opaque.
// The transport size-bounds them, so codes are truncated to
// MaxCallbackCodeLen before encoding.
const MaxCallbackCodeLen = 40

type PageDirection string

const (
	PagePrev PageDirection = "prev"
	PageNext PageDirection = "next"
)

// Callback is the tagged sum over the enumerated callback shapes.
// Exactly one field is non-nil.
type Callback struct {
	ShowTest      *ShowTestCallback
	Page          *PageCallback
	ShowPhotos    *ShowPhotosCallback
	HidePhotos    *HidePhotosCallback
	Confirm       *ConfirmCallback
	SearchType    *SearchTypeCallback
	CloseKeyboard bool
	Ignore        bool
	NewSearch     bool
}

type ShowTestCallback struct {
	Code string
}

type PageCallback struct {
	Direction PageDirection
	Page      int
	SearchID  string
}

type ShowPhotosCallback struct {
	Code string
}

type HidePhotosCallback struct {
	Code       string
	MessageIDs []int
}

// ConfirmCallback answers the "Верно?" prompt of the confirmation band.
type ConfirmCallback struct {
	Accept bool
}

// Search kinds offered by the clarifier type selector.
const (
	SearchTypeCode     = "code"
	SearchTypeName     = "name"
	SearchTypeProfile  = "profile"
	SearchTypeQuestion = "question"
)

// SearchTypeCallback carries the selector pick; Kind is one of the
// SearchType constants.
type SearchTypeCallback struct {
	Kind string
}

// sanitizeCallbackCode strips characters that break the colon/comma framing
// and truncates to the transport bound. The cut lands on a rune boundary so
// Cyrillic codes never produce an invalid-UTF-8 payload.
func sanitizeCallbackCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.NewReplacer(":", "", ",", "").Replace(code)
	if len(code) > MaxCallbackCodeLen {
		cut := MaxCallbackCodeLen
		for cut > 0 && !utf8.RuneStart(code[cut]) {
			cut--
		}
		code = code[:cut]
	}
	return code
}

func (c Callback) Encode() string {
	switch {
	case c.ShowTest != nil:
		return "show_test:" + sanitizeCallbackCode(c.ShowTest.Code)
	case c.Page != nil:
		return fmt.Sprintf("page:%s:%d:%s", c.Page.Direction, c.Page.Page, c.Page.SearchID)
	case c.ShowPhotos != nil:
		return "show_container_photos:" + sanitizeCallbackCode(c.ShowPhotos.Code)
	case c.HidePhotos != nil:
		ids := make([]string, 0, len(c.HidePhotos.MessageIDs))
		for _, id := range c.HidePhotos.MessageIDs {
			ids = append(ids, strconv.Itoa(id))
		}
		return fmt.Sprintf("hide_photos:%s:%s", sanitizeCallbackCode(c.HidePhotos.Code), strings.Join(ids, ","))
	case c.Confirm != nil:
		if c.Confirm.Accept {
			return "confirm:yes"
		}
		return "confirm:no"
	case c.SearchType != nil:
		return "search_type:" + c.SearchType.Kind
	case c.CloseKeyboard:
		return "close_keyboard"
	case c.NewSearch:
		return "new_search"
	default:
		return "ignore"
	}
}

// DecodeCallback parses an inline button payload. Unknown or malformed
// payloads are ErrInvalidInput; the caller surfaces a short message and
// changes no state.
func DecodeCallback(payload string) (Callback, error) {
	payload = strings.TrimSpace(payload)
	switch payload {
	case "close_keyboard":
		return Callback{CloseKeyboard: true}, nil
	case "ignore":
		return Callback{Ignore: true}, nil
	case "new_search":
		return Callback{NewSearch: true}, nil
	}

	action, rest, ok := strings.Cut(payload, ":")
	if !ok {
		return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("no action in %q", payload))
	}

	switch action {
	case "show_test":
		if rest == "" {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("empty code"))
		}
		return Callback{ShowTest: &ShowTestCallback{Code: rest}}, nil

	case "page":
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("page payload %q", payload))
		}
		dir := PageDirection(parts[0])
		if dir != PagePrev && dir != PageNext {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("page direction %q", parts[0]))
		}
		page, err := strconv.Atoi(parts[1])
		if err != nil || page < 0 {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("page number %q", parts[1]))
		}
		return Callback{Page: &PageCallback{Direction: dir, Page: page, SearchID: parts[2]}}, nil

	case "show_container_photos":
		if rest == "" {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("empty code"))
		}
		return Callback{ShowPhotos: &ShowPhotosCallback{Code: rest}}, nil

	case "confirm":
		switch rest {
		case "yes":
			return Callback{Confirm: &ConfirmCallback{Accept: true}}, nil
		case "no":
			return Callback{Confirm: &ConfirmCallback{Accept: false}}, nil
		}
		return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("confirm answer %q", rest))

	case "search_type":
		switch rest {
		case SearchTypeCode, SearchTypeName, SearchTypeProfile, SearchTypeQuestion:
			return Callback{SearchType: &SearchTypeCallback{Kind: rest}}, nil
		}
		return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("search type %q", rest))

	case "hide_photos":
		code, idsRaw, ok := strings.Cut(rest, ":")
		if !ok || code == "" {
			return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("hide_photos payload %q", payload))
		}
		var ids []int
		for _, piece := range strings.Split(idsRaw, ",") {
			if piece == "" {
				continue
			}
			id, err := strconv.Atoi(piece)
			if err != nil {
				return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("message id %q", piece))
			}
			ids = append(ids, id)
		}
		return Callback{HidePhotos: &HidePhotosCallback{Code: code, MessageIDs: ids}}, nil
	}

	return Callback{}, WrapError(ErrInvalidInput, "decode callback", fmt.Errorf("unknown action %q", action))
}

// legacyDeepLinkCode is the one catalog code with embedded commas that
// predates the framing rules; it is rewritten before encoding.
const (
	legacyDeepLinkPrefix  = "AN520,"
	legacyDeepLinkRewrite = "AN520ГИЭ"
)

// EncodeDeepLink builds the start=test_<b64> payload for one entry.
func EncodeDeepLink(code string) string {
	if strings.HasPrefix(strings.ToUpper(code), legacyDeepLinkPrefix) {
		code = legacyDeepLinkRewrite
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(code))
	return "test_" + encoded
}

// DecodeDeepLink reverses EncodeDeepLink, tolerating payloads produced by
// padded encoders.
func DecodeDeepLink(payload string) (string, error) {
	raw, ok := strings.CutPrefix(payload, "test_")
	if !ok {
		return "", WrapError(ErrInvalidInput, "decode deep link", fmt.Errorf("missing test_ prefix in %q", payload))
	}
	raw = strings.TrimRight(raw, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", WrapError(ErrInvalidInput, "decode deep link", err)
	}
	return string(decoded), nil
}
