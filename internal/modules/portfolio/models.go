// Package portfolio owns positions, tax lots, trades and portfolio-level
// snapshots (NAV, exposure). All mutation paths that cross entities run
// inside a caller-provided transaction.
package portfolio

import "database/sql"

// Queryer is satisfied by both *sql.DB and *sql.Tx so repository operations
// can participate in an enclosing transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Exposure is the current exposure breakdown, side-signed.
type Exposure struct {
	LongValue  float64 `json:"long_value"`
	ShortValue float64 `json:"short_value"`
	GrossValue float64 `json:"gross_value"`
	NetValue   float64 `json:"net_value"`
}

// LotConsumption records one FIFO consumption from a lot during a sell.
type LotConsumption struct {
	LotID        int64
	Shares       float64
	CostPerShare float64
	RealizedPnL  float64
}
