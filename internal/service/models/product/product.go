package product

// Version is the opaque optimistic-concurrency token returned by the product
// repository on read and required on write. Its value must never be
// interpreted, only compared by the storage layer.
type Version string

// Product represents the inventory view of a product record.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Version  Version `json:"-"`
}
