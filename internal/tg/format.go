package tg

import (
	"fmt"
	"strings"

	"github.com/pvzzle/cryptopay/internal/ethwatch"
	"github.com/pvzzle/cryptopay/internal/payment"
	"github.com/pvzzle/cryptopay/internal/storage"
)

func FormatPayments(items []storage.Payment) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🕘 Последние платежи (%d)\n\n", len(items)))

	for _, p := range items {
		sb.WriteString(fmt.Sprintf(
			"• %s order #%d\n  %s ETH · $%s · %s\n",
			shortenHash(p.TxHash), p.OrderID,
			ethwatch.WeiToEthString(p.AmountWei), formatCents(p.AmountFiatCents),
			p.CreatedAt.UTC().Format("2006-01-02 15:04"),
		))
	}

	return sb.String()
}

func FormatPayment(p storage.Payment) string {
	return fmt.Sprintf(
		"✅ Платёж найден\n\nID: %d\nHash: %s\nPayer: %s\nOrder: #%d\nUser: %d\nAmount: %s ($%s)\nConfirmations: %d\nStatus: %s\nRecorded: %s",
		p.ID,
		p.TxHash,
		p.PayerAddr,
		p.OrderID,
		p.UserID,
		ethwatch.FormatEther(p.AmountWei),
		formatCents(p.AmountFiatCents),
		p.Confirmations,
		p.Status,
		p.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
	)
}

func FormatSession(id string, r payment.Response) string {
	return fmt.Sprintf(
		"🔎 Сессия %s\n\nStatus: %s\nConfirmations: %d/%d\nMessage: %s",
		id, r.TransactionStatus, r.CurrentConfirmations, r.RequiredConfirmations, r.Message,
	)
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func shortenHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}
