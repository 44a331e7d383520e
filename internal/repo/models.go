package repo

import "time"

// SessionCredential is the stored authentication blob of one session.
// The core never interprets Creds.
type SessionCredential struct {
	SessionID   string    `json:"sessionId"`
	Creds       []byte    `json:"creds"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// BotMode controls who may run commands.
type BotMode string

const (
	BotModePublic  BotMode = "public"
	BotModePrivate BotMode = "private"
)

// UserConfig is the per-user preference record.
type UserConfig struct {
	UserID             string    `json:"userId"`
	Prefix             string    `json:"prefix"`
	AutoStatusSeen     bool      `json:"autoStatusSeen"`
	AutoStatusReact    bool      `json:"autoStatusReact"`
	AutoStatusReply    bool      `json:"autoStatusReply"`
	AutoStatusMsg      string    `json:"autoStatusMsg"`
	BotMode            BotMode   `json:"botMode"`
	AuthorizedUsers    []string  `json:"authorizedUsers"`
	PrivateModePinCode *string   `json:"privateModePinCode"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// Account carries the credit fields of a user.
type Account struct {
	ID                   string     `json:"id"`
	Username             string     `json:"username"`
	PhoneNumber          string     `json:"phoneNumber"`
	Credits              int64      `json:"credits"`
	InitialChargeApplied bool       `json:"initialChargeApplied"`
	LastChargeTime       *time.Time `json:"lastChargeTime"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// ChargeOutcome is the result of a conditional charge.
type ChargeOutcome int

const (
	ChargeApplied ChargeOutcome = iota
	ChargeAlreadyApplied
	ChargeInsufficient
)

func (o ChargeOutcome) String() string {
	switch o {
	case ChargeApplied:
		return "charged"
	case ChargeAlreadyApplied:
		return "already_applied"
	case ChargeInsufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}
