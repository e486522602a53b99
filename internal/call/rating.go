package call

import (
	"strings"
	"unicode"
)

// word forms accepted as ratings, lowercased
var ratingWords = map[string]int{
	"eins": 1, "zwei": 2, "drei": 3, "vier": 4, "fuenf": 5, "fünf": 5,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
}

// ParseRating extracts a 1..5 rating from a caller utterance like
// "ich gebe eine vier" or "4 von 5". Returns ok=false when the text holds
// no unambiguous rating.
func ParseRating(text string) (int, bool) {
	lower := strings.ToLower(text)
	var nums []int
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) == 1 && tok[0] >= '1' && tok[0] <= '5' {
			nums = append(nums, int(tok[0]-'0'))
		} else if w, ok := ratingWords[tok]; ok {
			nums = append(nums, w)
		}
	}
	switch {
	case len(nums) == 1:
		return nums[0], true
	case len(nums) == 2 && (strings.Contains(lower, "von") || strings.Contains(lower, "of")):
		// "4 von 5" carries the scale; the first number is the rating
		return nums[0], true
	default:
		return 0, false
	}
}
