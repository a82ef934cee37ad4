package service

// ChallengeProposal is a raw wager proposal. Pointer fields distinguish a
// missing value from a zero.
type ChallengeProposal struct {
	OppUsername       string  `json:"opp_username"`
	TimeLimit         *int    `json:"time_limit"`
	OpponentTimeLimit *int    `json:"opponent_time_limit"`
	Increment         *int    `json:"increment"`
	Sats              *int64  `json:"sats"`
	Color             *string `json:"color"`
}

// ValidateProposal checks a proposal field by field. The check order is part
// of the contract: the first violated field is the one reported.
func ValidateProposal(p *ChallengeProposal) error {
	if p.TimeLimit == nil {
		return &ValidationError{Field: "time_limit", Reason: "required"}
	}
	if *p.TimeLimit < 60 || *p.TimeLimit > 600 || *p.TimeLimit%15 != 0 {
		return &ValidationError{Field: "time_limit", Reason: "must be 60-600 in steps of 15"}
	}
	if p.OpponentTimeLimit == nil {
		return &ValidationError{Field: "opponent_time_limit", Reason: "required"}
	}
	if *p.OpponentTimeLimit < 60 || *p.OpponentTimeLimit > 600 || *p.OpponentTimeLimit%15 != 0 {
		return &ValidationError{Field: "opponent_time_limit", Reason: "must be 60-600 in steps of 15"}
	}
	if p.Increment == nil {
		return &ValidationError{Field: "increment", Reason: "required"}
	}
	if *p.Increment < 0 || *p.Increment > 5 {
		return &ValidationError{Field: "increment", Reason: "must be 0-5"}
	}
	if p.Sats == nil {
		return &ValidationError{Field: "sats", Reason: "required"}
	}
	if *p.Sats < 100 || *p.Sats > 3_000_000 {
		return &ValidationError{Field: "sats", Reason: "must be 100-3000000"}
	}
	if p.Color == nil {
		return &ValidationError{Field: "color", Reason: "required"}
	}
	if *p.Color != "white" && *p.Color != "black" {
		return &ValidationError{Field: "color", Reason: "must be white or black"}
	}
	return nil
}
