package billingapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrRemoteUnavailable marks every failure to get a usable answer from the
// API: transport errors, timeouts and non-2xx statuses.
var ErrRemoteUnavailable = errors.New("billing api unavailable")

// RemoteError describes a failed call.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is makes every RemoteError match ErrRemoteUnavailable.
func (e *RemoteError) Is(target error) bool { return target == ErrRemoteUnavailable }

// FlexString decodes a JSON string or number into a trimmed string. The API
// returns numeric external ids for some tenants.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// ExternalID associates a customer with an identifier in another system.
type ExternalID struct {
	ID   FlexString `json:"id"`
	Type string     `json:"type,omitempty"`
}

// Customer is a billing customer.
type Customer struct {
	ID          FlexString   `json:"id"`
	Name        string       `json:"name,omitempty"`
	ExternalIDs []ExternalID `json:"externalIds,omitempty"`
}

// UnmarshalJSON accepts both externalIds and external_ids.
func (c *Customer) UnmarshalJSON(data []byte) error {
	type plain Customer
	var aux struct {
		plain
		Legacy []ExternalID `json:"external_ids"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Customer(aux.plain)
	if len(c.ExternalIDs) == 0 {
		c.ExternalIDs = aux.Legacy
	}
	return nil
}

// HasExternalID reports whether id is one of the customer's external ids.
func (c Customer) HasExternalID(id string) bool {
	for _, ext := range c.ExternalIDs {
		if ext.ID.String() == id {
			return true
		}
	}
	return false
}

// LineItem is an invoice line.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
}

// Invoice is one entry of the invoice index.
type Invoice struct {
	ID         FlexString `json:"id"`
	CustomerID FlexString `json:"customerId"`
	IssueDate  string     `json:"issueDate"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	LineItems  []LineItem `json:"lineItems,omitempty"`
}

// InvoicePage is one page of the invoice listing. TotalPages and
// CurrentPage are zero when the server omits them.
type InvoicePage struct {
	Invoices    []Invoice
	TotalPages  int
	CurrentPage int
}

// listEnvelope covers the response shapes the API uses: data at the top
// level, data inside payload, or items.
type listEnvelope[T any] struct {
	Payload *struct {
		Data        []T `json:"data"`
		TotalPages  int `json:"totalPages"`
		CurrentPage int `json:"currentPage"`
	} `json:"payload"`
	Data        []T `json:"data"`
	Items       []T `json:"items"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
}

func (e listEnvelope[T]) items() []T {
	if e.Payload != nil && len(e.Payload.Data) > 0 {
		return e.Payload.Data
	}
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Items
}

func (e listEnvelope[T]) pages() (total, current int) {
	total, current = e.TotalPages, e.CurrentPage
	if e.Payload != nil {
		if total == 0 {
			total = e.Payload.TotalPages
		}
		if current == 0 {
			current = e.Payload.CurrentPage
		}
	}
	return total, current
}
