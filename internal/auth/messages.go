package auth

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var (
	ErrEmailInUse       = errors.New("email already in use")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrWeakPassword     = errors.New("weak password")
	ErrUserNotFound     = errors.New("user not found")
	ErrWrongPassword    = errors.New("wrong password")
	ErrMissingName      = errors.New("missing display name")
	ErrPasswordMismatch = errors.New("passwords do not match")
)

// Flow names the form an error is shown on; it picks the fallback message.
type Flow int

const (
	FlowSignUp Flow = iota
	FlowSignIn
	FlowFederated
)

const (
	msgEmailInUse       = "This email is already registered."
	msgInvalidEmail     = "The email address is not valid."
	msgWeakPassword     = "The password is too weak (at least 6 characters)."
	msgUserNotFound     = "This account does not exist."
	msgWrongPassword    = "Wrong password."
	msgMissingName      = "Please enter your full name."
	msgPasswordMismatch = "The passwords do not match."
	msgSignUpFailed     = "Sign up failed. Please try again."
	msgSignInFailed     = "Could not sign in. Please try again."
	msgFederatedFailed  = "Could not sign in with Google."
)

var vietnamese = map[string]string{
	msgEmailInUse:       "Email này đã được đăng ký.",
	msgInvalidEmail:     "Email không hợp lệ.",
	msgWeakPassword:     "Mật khẩu quá yếu (tối thiểu 6 ký tự).",
	msgUserNotFound:     "Tài khoản không tồn tại.",
	msgWrongPassword:    "Sai mật khẩu.",
	msgMissingName:      "Vui lòng nhập họ và tên.",
	msgPasswordMismatch: "Mật khẩu nhập lại không khớp.",
	msgSignUpFailed:     "Đăng ký thất bại. Vui lòng thử lại.",
	msgSignInFailed:     "Không thể đăng nhập. Vui lòng thử lại.",
	msgFederatedFailed:  "Không thể đăng nhập bằng Google.",
}

var errorKeys = []struct {
	err error
	key string
}{
	{ErrEmailInUse, msgEmailInUse},
	{ErrInvalidEmail, msgInvalidEmail},
	{ErrWeakPassword, msgWeakPassword},
	{ErrUserNotFound, msgUserNotFound},
	{ErrWrongPassword, msgWrongPassword},
	{ErrMissingName, msgMissingName},
	{ErrPasswordMismatch, msgPasswordMismatch},
}

// Messages turns auth errors into user facing text in the caller's language.
type Messages struct {
	catalog   catalog.Catalog
	supported []language.Tag
	matcher   language.Matcher
}

// NewMessages builds the message catalog. The translations are compiled in, so a
// catalog that fails to build is a programming error and panics at startup.
func NewMessages() *Messages {
	m, err := newMessages(vietnamese)
	if err != nil {
		panic(err)
	}
	return m
}

func newMessages(translations map[string]string) (*Messages, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for en, vi := range translations {
		if err := b.SetString(language.English, en, en); err != nil {
			return nil, fmt.Errorf("auth messages: set %q (en): %w", en, err)
		}
		if err := b.SetString(language.Vietnamese, en, vi); err != nil {
			return nil, fmt.Errorf("auth messages: set %q (vi): %w", en, err)
		}
	}
	for _, ek := range errorKeys {
		if _, ok := translations[ek.key]; !ok {
			return nil, fmt.Errorf("auth messages: no translation for %q", ek.key)
		}
	}
	for _, flow := range []Flow{FlowSignUp, FlowSignIn, FlowFederated} {
		if _, ok := translations[fallbackKey(flow)]; !ok {
			return nil, fmt.Errorf("auth messages: no translation for %q", fallbackKey(flow))
		}
	}
	supported := []language.Tag{language.English, language.Vietnamese}
	return &Messages{catalog: b, supported: supported, matcher: language.NewMatcher(supported)}, nil
}

// Language picks the supported language best matching an Accept-Language header.
func (m *Messages) Language(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return m.supported[0]
	}
	_, idx, _ := m.matcher.Match(tags...)
	return m.supported[idx]
}

// For returns the localized message for err. Unknown errors get the flow's generic message.
func (m *Messages) For(acceptLanguage string, flow Flow, err error) string {
	key := fallbackKey(flow)
	for _, ek := range errorKeys {
		if errors.Is(err, ek.err) {
			key = ek.key
			break
		}
	}
	p := message.NewPrinter(m.Language(acceptLanguage), message.Catalog(m.catalog))
	return p.Sprintf(key)
}

func fallbackKey(flow Flow) string {
	switch flow {
	case FlowSignIn:
		return msgSignInFailed
	case FlowFederated:
		return msgFederatedFailed
	default:
		return msgSignUpFailed
	}
}
