package engine

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

type mora struct {
	consonant string
	vowel     string
}

var moraTable = buildMoraTable()

func buildMoraTable() map[string]mora {
	table := map[string]mora{
		"ア": {"", "a"}, "イ": {"", "i"}, "ウ": {"", "u"}, "エ": {"", "e"}, "オ": {"", "o"},
		"ン": {"", "N"}, "ッ": {"", "cl"}, "ヲ": {"", "o"},
		"シ": {"sh", "i"}, "チ": {"ch", "i"}, "ツ": {"ts", "u"}, "フ": {"f", "u"},
		"ジ": {"j", "i"}, "ヂ": {"j", "i"}, "ヅ": {"z", "u"}, "ヴ": {"v", "u"},
		"ワ": {"w", "a"}, "ヤ": {"y", "a"}, "ユ": {"y", "u"}, "ヨ": {"y", "o"},
	}

	// One row per consonant in a-i-u-e-o order; irregular kana are listed above.
	vowels := []string{"a", "i", "u", "e", "o"}
	rows := map[string]string{
		"k": "カキクケコ", "g": "ガギグゲゴ", "s": "サ_スセソ", "z": "ザ_ズゼゾ",
		"t": "タ__テト", "d": "ダ__デド", "n": "ナニヌネノ", "h": "ハヒ_ヘホ",
		"b": "バビブベボ", "p": "パピプペポ", "m": "マミムメモ", "r": "ラリルレロ",
	}
	for consonant, kana := range rows {
		for i, r := range []rune(kana) {
			if r == '_' {
				continue
			}
			if _, exists := table[string(r)]; exists {
				continue
			}
			table[string(r)] = mora{consonant, vowels[i]}
		}
	}

	palatal := map[string]string{
		"キ": "ky", "ギ": "gy", "シ": "sh", "ジ": "j", "チ": "ch", "ニ": "ny",
		"ヒ": "hy", "ビ": "by", "ピ": "py", "ミ": "my", "リ": "ry",
	}
	small := map[string]string{"ャ": "a", "ュ": "u", "ョ": "o"}
	for base, consonant := range palatal {
		for s, vowel := range small {
			table[base+s] = mora{consonant, vowel}
		}
	}
	table["シェ"] = mora{"sh", "e"}
	table["チェ"] = mora{"ch", "e"}
	table["ジェ"] = mora{"j", "e"}
	table["ティ"] = mora{"t", "i"}
	table["ディ"] = mora{"d", "i"}
	table["ファ"] = mora{"f", "a"}
	table["フィ"] = mora{"f", "i"}
	table["フェ"] = mora{"f", "e"}
	table["フォ"] = mora{"f", "o"}
	return table
}

var soundMarks = strings.NewReplacer("\u309b", "\u3099", "\u309c", "\u309a")

// normalizeLyric folds width variants, composes voiced marks and converts
// hiragana to katakana.
func normalizeLyric(lyric string) string {
	s := width.Widen.String(strings.TrimSpace(lyric))
	s = norm.NFC.String(soundMarks.Replace(s))
	return strings.Map(func(r rune) rune {
		if r >= 'ぁ' && r <= 'ゖ' {
			return r + ('ァ' - 'ぁ')
		}
		return r
	}, s)
}

func lookupMora(lyric string) (mora, bool) {
	m, ok := moraTable[normalizeLyric(lyric)]
	return m, ok
}
