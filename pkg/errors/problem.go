package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError       = "https://api.pincex.io/problems/validation-error"
	TypeInvalidOrder          = "https://api.pincex.io/problems/invalid-order"
	TypeMarketHalted          = "https://api.pincex.io/problems/market-halted"
	TypeOrderNotFound         = "https://api.pincex.io/problems/order-not-found"
	TypeInsufficientLiquidity = "https://api.pincex.io/problems/insufficient-liquidity"
	TypeComplianceRejected    = "https://api.pincex.io/problems/compliance-rejected"
	TypeInvalidSymbol         = "https://api.pincex.io/problems/invalid-symbol"
	TypeConflict              = "https://api.pincex.io/problems/conflict"
	TypeRuleNotFound          = "https://api.pincex.io/problems/rule-not-found"
	TypeBookCorrupted         = "https://api.pincex.io/problems/book-corrupted"
	TypeInternalError         = "https://api.pincex.io/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Kind     string                 `json:"kind,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 6+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.Kind != "" {
		result["kind"] = p.Kind
	}
	return json.Marshal(result)
}

type problemShape struct {
	uri    string
	title  string
	status int
}

var problemsByKind = map[string]problemShape{
	KindInvalidOrder:          {TypeInvalidOrder, "Invalid Order", http.StatusBadRequest},
	KindInvalidPrice:          {TypeInvalidOrder, "Invalid Price", http.StatusBadRequest},
	KindMarketHalted:          {TypeMarketHalted, "Market Halted", http.StatusConflict},
	KindOrderNotFound:         {TypeOrderNotFound, "Order Not Found", http.StatusNotFound},
	KindInsufficientLiquidity: {TypeInsufficientLiquidity, "Insufficient Liquidity", http.StatusUnprocessableEntity},
	KindComplianceRejected:    {TypeComplianceRejected, "Compliance Rejected", http.StatusUnprocessableEntity},
	KindSymbolNotFound:        {TypeInvalidSymbol, "Invalid Symbol", http.StatusNotFound},
	KindSymbolExists:          {TypeConflict, "Symbol Exists", http.StatusConflict},
	KindRuleNotFound:          {TypeRuleNotFound, "Rule Not Found", http.StatusNotFound},
	KindInvalidRule:           {TypeValidationError, "Invalid Rule", http.StatusBadRequest},
	KindNotHalted:             {TypeConflict, "Not Halted", http.StatusConflict},
	KindBookCorrupted:         {TypeBookCorrupted, "Book Corrupted", http.StatusServiceUnavailable},
}

// ToProblem maps err onto an RFC 7807 problem. Errors without a known Kind
// become 500s.
func ToProblem(err error, instance string) *ProblemDetails {
	kind := KindOf(err)
	shape, ok := problemsByKind[kind]
	if !ok {
		shape = problemShape{TypeInternalError, "Internal Server Error", http.StatusInternalServerError}
	}
	return &ProblemDetails{
		Type:     shape.uri,
		Title:    shape.title,
		Status:   shape.status,
		Detail:   err.Error(),
		Instance: instance,
		Kind:     kind,
	}
}

// NewValidationError creates a validation error problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeValidationError,
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	}
}
