package shared

import "fmt"

// WizardSessionKey builds redis keys for wizard sessions.
func WizardSessionKey(id string) string {
	return fmt.Sprintf("quotedesk:wizard:%s", id)
}
