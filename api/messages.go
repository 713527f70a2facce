package api

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// errorCode is the stable, machine-readable half of an error response. The
// human-readable half is localized from the catalog.
type errorCode string

const (
	codeInvalidCredentials errorCode = "invalid_credentials"
	codeAccountLocked      errorCode = "account_locked"
	codeAuthRequired       errorCode = "auth_required"
	codeForbidden          errorCode = "forbidden"
	codeCSRFMissing        errorCode = "csrf_missing"
	codeCSRFInvalid        errorCode = "csrf_invalid"
	codeRateLimited        errorCode = "rate_limited"
	codeRetry              errorCode = "retry"
	codeInvalidRequest     errorCode = "invalid_request"
	codeBodyTooLarge       errorCode = "body_too_large"
	codeNotFound           errorCode = "not_found"
	codeConflict           errorCode = "conflict"
	codeUsernameTaken      errorCode = "username_taken"
	codeInternal           errorCode = "internal"
)

// English message keys. Credential and second-factor failures share one
// message so the response never says which factor was wrong.
var messageKeys = map[errorCode]string{
	codeInvalidCredentials: "invalid credentials",
	codeAccountLocked:      "too many failed attempts; try again in %d seconds",
	codeAuthRequired:       "authentication required",
	codeForbidden:          "forbidden",
	codeCSRFMissing:        "missing CSRF token",
	codeCSRFInvalid:        "invalid CSRF token",
	codeRateLimited:        "too many requests; try again later",
	codeRetry:              "the request conflicted with another change; please retry",
	codeInvalidRequest:     "invalid request",
	codeBodyTooLarge:       "request body too large",
	codeNotFound:           "not found",
	codeConflict:           "the record was changed by someone else",
	codeUsernameTaken:      "username already taken",
	codeInternal:           "internal server error",
}

var arabicMessages = map[string]string{
	"invalid credentials": "بيانات الدخول غير صحيحة",
	"too many failed attempts; try again in %d seconds":        "تم إيقاف الدخول مؤقتًا بسبب محاولات فاشلة متكررة، حاول مرة أخرى بعد %d ثانية",
	"authentication required":                                  "يجب تسجيل الدخول أولًا",
	"forbidden":                                                "غير مسموح",
	"missing CSRF token":                                       "رمز الحماية مفقود",
	"invalid CSRF token":                                       "رمز الحماية غير صالح",
	"too many requests; try again later":                       "طلبات كثيرة جدًا، حاول لاحقًا",
	"the request conflicted with another change; please retry": "تعارض الطلب مع تغيير آخر، يرجى إعادة المحاولة",
	"invalid request":                                          "طلب غير صالح",
	"request body too large":                                   "حجم الطلب كبير جدًا",
	"not found":                                                "غير موجود",
	"the record was changed by someone else":                   "تم تعديل السجل من قبل مستخدم آخر",
	"username already taken":                                   "اسم المستخدم مستخدم بالفعل",
	"internal server error":                                    "خطأ داخلي في الخادم",
}

// Arabic is the default; English is served when the client prefers it.
var supportedLanguages = []language.Tag{language.Arabic, language.English}

var (
	languageMatcher = language.NewMatcher(supportedLanguages)
	messageCatalog  = buildCatalog()
)

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.Arabic))
	for _, key := range messageKeys {
		_ = b.SetString(language.English, key, key)
		if ar, ok := arabicMessages[key]; ok {
			_ = b.SetString(language.Arabic, key, ar)
		}
	}
	return b
}

// requestLanguage picks the response language from Accept-Language.
func requestLanguage(r *http.Request) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return language.Arabic
	}
	_, idx, confidence := languageMatcher.Match(tags...)
	if confidence == language.No {
		return language.Arabic
	}
	return supportedLanguages[idx]
}

// localize renders the message for code in the request's language.
func localize(r *http.Request, code errorCode, args ...any) string {
	key, ok := messageKeys[code]
	if !ok {
		key = messageKeys[codeInternal]
	}
	p := message.NewPrinter(requestLanguage(r), message.Catalog(messageCatalog))
	return p.Sprintf(key, args...)
}
