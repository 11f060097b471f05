package storage

import (
	"fmt"
	"path"
	"strings"
)

const invoicePrefix = "invoices"

// InvoiceObjectPath returns invoices/<orderID>/<fileName>. Both parts must be single path segments.
func InvoiceObjectPath(orderID, fileName string) (string, error) {
	segments := []struct{ label, value string }{
		{"order id", orderID},
		{"file name", fileName},
	}
	parts := []string{invoicePrefix}
	for _, seg := range segments {
		clean, err := objectSegment(seg.label, seg.value)
		if err != nil {
			return "", err
		}
		parts = append(parts, clean)
	}
	return path.Join(parts...), nil
}

func objectSegment(label, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", label)
	case strings.ContainsAny(value, `/\`):
		return "", fmt.Errorf("storage: %s %q is not a single path segment", label, value)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s %q contains a traversal sequence", label, value)
	}
	return value, nil
}
