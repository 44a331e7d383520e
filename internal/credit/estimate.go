package credit

import (
	"fmt"
	"time"
)

// Remaining is how long a balance keeps a session metered.
type Remaining struct {
	Intervals int64         `json:"intervals"`
	Total     time.Duration `json:"total"`
	Days      int64         `json:"days"`
	Hours     int64         `json:"hours"`
	Minutes   int64         `json:"minutes"`
}

func (r Remaining) String() string {
	return fmt.Sprintf("%dd %dh %dm", r.Days, r.Hours, r.Minutes)
}

// EstimateRemainingTime returns floor(balance/Periodic) intervals split into
// days, hours and minutes. Non-positive balances yield zero.
func (p Policy) EstimateRemainingTime(balance int64) Remaining {
	if balance <= 0 || p.Periodic <= 0 {
		return Remaining{}
	}
	intervals := balance / p.Periodic
	total := time.Duration(intervals) * p.Interval
	minutes := int64(total / time.Minute)
	return Remaining{
		Intervals: intervals,
		Total:     total,
		Days:      minutes / (24 * 60),
		Hours:     minutes / 60 % 24,
		Minutes:   minutes % 60,
	}
}

// FormatCredits renders minor units as a two-decimal credit amount.
func FormatCredits(units int64) string {
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%02d", sign, units/100, units%100)
}
