package utils

import (
	"github.com/abadojack/whatlanggo"
)

var whatLangOpts = whatlanggo.Options{
	Whitelist: map[whatlanggo.Lang]bool{
		whatlanggo.Eng: true,
		whatlanggo.Rus: true,
		whatlanggo.Cmn: true,
		whatlanggo.Fra: true,
		whatlanggo.Deu: true,
		whatlanggo.Spa: true,
		whatlanggo.Por: true,
		whatlanggo.Jpn: true,
	},
}

// WhatLang detects the natural language of prose, returning an ISO 639-3 code
// or "" when the text is too short or ambiguous.
func WhatLang(text string) string {
	if len(text) < 16 {
		return ""
	}
	info := whatlanggo.DetectWithOptions(text, whatLangOpts)
	if !info.IsReliable() && info.Confidence < 0.5 {
		return ""
	}
	return info.Lang.Iso6393()
}
