package pdf

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReceiptProducesPDF(t *testing.T) {
	provider := New()
	out, err := provider.GenerateReceipt(context.Background(), ReceiptData{
		ClinicName:      "Clinic Cashier",
		ReceiptNumber:   "1790000000000000000",
		DatePaid:        "2026-04-02 08:10",
		PatientName:     "Ana Cruz",
		MedicalRecordNo: "MRN-4001",
		Reference:       "GC-0001",
		Currency:        "PHP",
		Items: []ReceiptItem{
			{Description: "Paracetamol", Kind: "item", Qty: 1, UnitPrice: "300.00", Amount: "300.00"},
			{Description: "Consultation", Kind: "service", Qty: 1, UnitPrice: "200.00", Amount: "200.00"},
		},
		Total: "500.00",
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
