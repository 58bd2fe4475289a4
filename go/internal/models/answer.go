package models

import "fmt"

// Answer is a single option selection for one question of a round.
type Answer struct {
	RoundID    string `json:"round_id"`
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

// Key identifies the logical submission. Re-answering the same question
// produces the same key so only the latest selection is delivered.
func (a Answer) Key() string {
	return fmt.Sprintf("%s/%s", a.RoundID, a.QuestionID)
}
