package domain

// PricedLine is the authoritative pricing of one cart line.
type PricedLine struct {
	ProductID     string
	ProductName   string
	Quantity      int64
	UnitPrice     int64
	Surcharge     int64
	LineTotal     int64
	Configuration Configuration
}
