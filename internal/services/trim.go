package services

import "fmt"

// TrimNotice returns the notice shown after the model dropped removed
// messages from the front of the dialog. It reports false when nothing was
// removed.
func TrimNotice(removed int) (string, bool) {
	switch {
	case removed <= 0:
		return "", false
	case removed == 1:
		return textTrimSingular, true
	default:
		return fmt.Sprintf(textTrimPlural, removed), true
	}
}
