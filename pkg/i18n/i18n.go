package i18n

import "strings"

var translations = map[string]string{
	"invalid request":             "درخواست نامعتبر است",
	"missing authorization token": "توکن احراز هویت ارسال نشده است",
	"invalid token":               "توکن نامعتبر است",
	"unauthorized":                "دسترسی غیرمجاز",
	"invalid path":                "مسیر نامعتبر است",
	"not found":                   "یافت نشد",
	"failed to read data":         "خطا در دریافت داده",
	"failed to fetch stats":       "خطا در دریافت آمار",
	"websocket upgrade failed":    "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":          "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":         "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":       "خطای داخلی سرور",
	"store closed":                "اتصال به پایگاه داده بسته شده است",
	"concurrent modification":     "داده همزمان توسط کاربر دیگری تغییر کرد",
	"unknown operation":           "عملیات ناشناخته است",
}

var prefixTranslations = map[string]string{
	"invalid path:":              "مسیر نامعتبر است",
	"failed to sign token:":      "خطا در امضای توکن",
	"failed to parse token:":     "توکن نامعتبر است",
	"unexpected signing method:": "روش امضای توکن نامعتبر است",
}

// Translate returns the Persian form of a known message, or the message itself.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
