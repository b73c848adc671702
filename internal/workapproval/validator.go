package workapproval

import (
	"fmt"
	"math"
	"strings"
)

// SignaturePrefix starts every drawn signature.
const SignaturePrefix = "data:image/png;base64,"

type ValidationErrorItem struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid  bool                  `json:"valid"`
	Errors []ValidationErrorItem `json:"errors"`
	Total  float64               `json:"total"`
}

// Validator checks approval items submitted over HTTP before they are
// stamped and stored.
type Validator struct {
	MaxItems          int
	MaxDescription    int
	MaxSignatureBytes int
}

func (v Validator) Validate(items []Item) ValidationResult {
	errors := make([]ValidationErrorItem, 0)

	if len(items) == 0 {
		errors = append(errors, errItem("WA-REQ-001", "items", "At least one item is required"))
	}
	if v.MaxItems > 0 && len(items) > v.MaxItems {
		errors = append(errors, errItem("WA-LIMIT-001", "items", fmt.Sprintf("Too many items (max %d)", v.MaxItems)))
	}

	seen := make(map[string]bool, len(items))
	var total float64
	for i, it := range items {
		path := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.Key) == "" {
			errors = append(errors, errItem("WA-REQ-002", path+".key", "Item key is required"))
		} else if seen[it.Key] {
			errors = append(errors, errItem("WA-REQ-003", path+".key", "Duplicate item key"))
		}
		seen[it.Key] = true

		if strings.TrimSpace(it.Description) == "" {
			errors = append(errors, errItem("WA-REQ-004", path+".description", "Description is required"))
		}
		if v.MaxDescription > 0 && len(it.Description) > v.MaxDescription {
			errors = append(errors, errItem("WA-LIMIT-002", path+".description", "Description too long"))
		}
		if math.IsNaN(it.Amount) || math.IsInf(it.Amount, 0) || it.Amount < 0 {
			errors = append(errors, errItem("WA-MATH-001", path+".amount", "Amount must be a non-negative number"))
		} else {
			total += it.Amount
		}

		if it.VerbalApproval {
			if strings.TrimSpace(it.ApproverName) == "" {
				errors = append(errors, errItem("WA-REQ-005", path+".approverName", "Verbal approvals need the approver's name"))
			}
		} else if !strings.HasPrefix(it.SignatureDataURL, SignaturePrefix) {
			errors = append(errors, errItem("WA-SIG-001", path+".signatureDataUrl", "Signature must be a PNG data URL"))
		}
		if v.MaxSignatureBytes > 0 && len(it.SignatureDataURL) > v.MaxSignatureBytes {
			errors = append(errors, errItem("WA-LIMIT-003", path+".signatureDataUrl", "Signature too large"))
		}
	}

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
		Total:  round(total, 2),
	}
}

func errItem(code, path, message string) ValidationErrorItem {
	return ValidationErrorItem{Code: code, Path: path, Message: message}
}

func round(val float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(val*p) / p
}
