package models

import "github.com/shopspring/decimal"

// UserSummary is a row of the admin user list.
type UserSummary struct {
	AccountID    int64           `json:"account_id"`
	Username     string          `json:"username"`
	Balance      decimal.Decimal `json:"balance"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	ListedGroups int             `json:"listed_groups"`
}

// MarketStats aggregates the admin dashboard counters.
type MarketStats struct {
	Users       int             `json:"users"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}
