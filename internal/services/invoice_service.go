package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/storage"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

// ErrInvoiceNotAvailable indicates the order has not settled and cannot be invoiced.
var ErrInvoiceNotAvailable = errors.New("invoice: order not invoiceable")

// InvoiceRenderer turns a settled order into a document.
type InvoiceRenderer interface {
	Render(ctx context.Context, order Order) (RenderedInvoice, error)
}

// RenderedInvoice is the renderer output.
type RenderedInvoice struct {
	Body        []byte
	ContentType string
	Extension   string
}

// InvoiceArchive stores rendered invoices.
type InvoiceArchive interface {
	Put(ctx context.Context, object, contentType string, body []byte) (string, error)
}

// InvoiceServiceDeps wires the invoice service collaborators. Archive is optional.
type InvoiceServiceDeps struct {
	Orders   repositories.OrderRepository
	Renderer InvoiceRenderer
	Archive  InvoiceArchive
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	orders   repositories.OrderRepository
	renderer InvoiceRenderer
	archive  InvoiceArchive
	logger   func(context.Context, string, map[string]any)
}

var _ InvoiceService = (*invoiceService)(nil)

// NewInvoiceService constructs the invoice service, defaulting to the plain text renderer.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewTextInvoiceRenderer(language.English, "")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &invoiceService{
		orders:   deps.Orders,
		renderer: renderer,
		archive:  deps.Archive,
		logger:   logger,
	}, nil
}

func (s *invoiceService) Invoice(ctx context.Context, orderID string) (InvoiceDocument, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return InvoiceDocument{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return InvoiceDocument{}, ErrOrderNotFound
		}
		return InvoiceDocument{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if !invoiceable(order) {
		return InvoiceDocument{}, fmt.Errorf("%w: order %s is %s", ErrInvoiceNotAvailable, order.ID, order.Status)
	}

	rendered, err := s.renderer.Render(ctx, order)
	if err != nil {
		return InvoiceDocument{}, fmt.Errorf("invoice: render %s: %w", order.ID, err)
	}
	ext := strings.TrimPrefix(strings.TrimSpace(rendered.Extension), ".")
	if ext == "" {
		ext = "txt"
	}
	doc := InvoiceDocument{
		OrderID:     order.ID,
		FileName:    fmt.Sprintf("invoice-%s.%s", order.ID, ext),
		ContentType: rendered.ContentType,
		Body:        rendered.Body,
	}

	if s.archive != nil {
		object, err := storage.InvoiceObjectPath(order.ID, doc.FileName)
		if err == nil {
			doc.ArchivedURI, err = s.archive.Put(ctx, object, doc.ContentType, doc.Body)
		}
		if err != nil {
			// The document is still served when archiving fails.
			s.logger(ctx, "invoice.archive.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.logger(ctx, "invoice.rendered", map[string]any{
		"orderId":  order.ID,
		"bytes":    len(doc.Body),
		"archived": doc.ArchivedURI != "",
	})
	return doc, nil
}

func invoiceable(order Order) bool {
	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusPaymentFailed:
		return false
	}
	return order.PaymentStatus == domain.PaymentStatusPaid
}

// TextInvoiceRenderer renders a plain text invoice with locale-aware amounts.
type TextInvoiceRenderer struct {
	printer *message.Printer
	seller  string
	now     func() time.Time
}

// NewTextInvoiceRenderer constructs a renderer formatting numbers for tag.
func NewTextInvoiceRenderer(tag language.Tag, seller string) *TextInvoiceRenderer {
	seller = strings.TrimSpace(seller)
	if seller == "" {
		seller = "Veracious Eyewear"
	}
	return &TextInvoiceRenderer{
		printer: message.NewPrinter(tag),
		seller:  seller,
		now:     time.Now,
	}
}

func (r *TextInvoiceRenderer) Render(_ context.Context, order Order) (RenderedInvoice, error) {
	unit, err := currency.ParseISO(order.Currency)
	if err != nil {
		return RenderedInvoice{}, fmt.Errorf("unknown currency %q: %w", order.Currency, err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\nTAX INVOICE\n\n", r.seller)
	fmt.Fprintf(&buf, "Invoice: %s\n", order.ID)
	fmt.Fprintf(&buf, "Order date: %s\n", order.CreatedAt.UTC().Format("2006-01-02"))
	fmt.Fprintf(&buf, "Issued: %s\n", r.now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&buf, "Status: %s\n", order.Status)
	if addr := order.Address; addr != nil {
		fmt.Fprintf(&buf, "\nBill to:\n%s\n%s\n", addr.Recipient, addr.Line1)
		if addr.Line2 != nil && strings.TrimSpace(*addr.Line2) != "" {
			fmt.Fprintf(&buf, "%s\n", *addr.Line2)
		}
		region := addr.City
		if addr.State != nil && *addr.State != "" {
			region += ", " + *addr.State
		}
		fmt.Fprintf(&buf, "%s %s\n%s\n", region, addr.PostalCode, addr.Country)
	}
	buf.WriteString("\n")

	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Item\tQty\tUnit\tLens\tTotal")
	for _, line := range order.Lines {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			line.ProductName,
			line.Quantity,
			r.money(unit, line.UnitPrice),
			r.money(unit, line.Surcharge),
			r.money(unit, line.LineTotal),
		)
	}
	fmt.Fprintln(tw, "\t\t\t\t")
	fmt.Fprintf(tw, "Subtotal\t\t\t\t%s\n", r.money(unit, order.Subtotal))
	if order.Discount > 0 {
		label := "Discount"
		if order.CouponCode != nil {
			label = fmt.Sprintf("Discount (%s)", *order.CouponCode)
		}
		fmt.Fprintf(tw, "%s\t\t\t\t-%s\n", label, r.money(unit, order.Discount))
	}
	fmt.Fprintf(tw, "Shipping\t\t\t\t%s\n", r.money(unit, order.Shipping))
	fmt.Fprintf(tw, "Tax\t\t\t\t%s\n", r.money(unit, order.Tax))
	fmt.Fprintf(tw, "Total\t\t\t\t%s\n", r.money(unit, order.FinalAmount))
	if err := tw.Flush(); err != nil {
		return RenderedInvoice{}, err
	}

	return RenderedInvoice{
		Body:        buf.Bytes(),
		ContentType: "text/plain; charset=utf-8",
		Extension:   "txt",
	}, nil
}

// money formats a minor-unit amount using the currency's standard scale.
func (r *TextInvoiceRenderer) money(unit currency.Unit, minor int64) string {
	scale, _ := currency.Standard.Rounding(unit)
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if scale == 0 {
		return fmt.Sprintf("%s%s %s", sign, unit, r.printer.Sprintf("%d", minor))
	}
	factor := int64(1)
	for range scale {
		factor *= 10
	}
	return fmt.Sprintf("%s%s %s.%0*d", sign, unit, r.printer.Sprintf("%d", minor/factor), scale, minor%factor)
}
