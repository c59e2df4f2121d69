package storage

// Receipt is the per-transaction execution outcome. Per SPEC_FULL §D, every
// transaction — including generic (non-contract) ones — gets a Receipt row
// of uniform shape; non-contract transactions simply leave the
// contract-specific fields at their zero value rather than persisting a
// JSON null.
type Receipt struct {
	GasUsed           int64    `json:"gas_used"`
	Reverted          bool     `json:"reverted"`
	RevertReason      string   `json:"revert_reason,omitempty"`
	Logs              []Log    `json:"logs,omitempty"`
	DeployedContracts [][20]byte `json:"deployed_contracts,omitempty"`
}

// Log is one event emitted via the contract host's Log/Emit operation
// (§4.6).
type Log struct {
	Contract [20]byte `json:"contract"`
	Topics   [][]byte `json:"topics"`
	Data     []byte   `json:"data"`
}
