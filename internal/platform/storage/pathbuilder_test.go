package storage

import "testing"

func TestInvoiceObjectPath(t *testing.T) {
	path, err := InvoiceObjectPath("ord_01J", "invoice-ord_01J.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "invoices/ord_01J/invoice-ord_01J.txt"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestInvoiceObjectPathRejectsTraversal(t *testing.T) {
	cases := []struct {
		name    string
		orderID string
		file    string
	}{
		{name: "order traversal", orderID: "../bad", file: "a.txt"},
		{name: "order slash", orderID: "a/b", file: "a.txt"},
		{name: "file slash", orderID: "ord_1", file: "x/a.txt"},
		{name: "empty file", orderID: "ord_1", file: " "},
		{name: "empty order", orderID: "", file: "a.txt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := InvoiceObjectPath(tc.orderID, tc.file); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
