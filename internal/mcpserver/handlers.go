package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/apiclient"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	backend Backend
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(backend Backend) *Handlers {
	return &Handlers{backend: backend}
}

// HandleScoreTransaction forwards one transaction to the scoring service.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txn, ok := req.GetArguments()["transaction"].(map[string]any)
	if !ok || len(txn) == 0 {
		return mcp.NewToolResultError("transaction is required"), nil
	}

	pred, err := h.backend.Scoring.PredictRaw(ctx, txn)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %s", describe(err))), nil
	}
	return mcp.NewToolResultText(formatPrediction(pred)), nil
}

// HandleRecentAlerts lists recent alerts, optionally of one tier.
func (h *Handlers) HandleRecentAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", alerts.DefaultRecentLimit)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	limit = min(limit, alerts.MaxRecentLimit)
	tier := classifier.Tier(strings.ToUpper(req.GetString("risk_level", "")))

	list, err := h.backend.Alerts.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %s", describe(err))), nil
	}
	if tier != "" {
		filtered := list[:0]
		for _, a := range list {
			if a.RiskLevel == tier {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	return mcp.NewToolResultText(formatAlertList(list)), nil
}

// HandleAlertSummary reports alert counts per tier.
func (h *Handlers) HandleAlertSummary(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := h.backend.Alerts.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get alert summary: %s", describe(err))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Total alerts: %d\n  HIGH:   %d\n  MEDIUM: %d\n  LOW:    %d",
		sum.Total, sum.High, sum.Medium, sum.Low)), nil
}

// HandleServiceHealth checks both services. A failing service is reported
// in the text rather than as a tool error.
func (h *Handlers) HandleServiceHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder

	if status, err := h.backend.Scoring.Health(ctx); err != nil {
		fmt.Fprintf(&sb, "Scoring: unavailable (%s)\n", describe(err))
	} else {
		fmt.Fprintf(&sb, "Scoring: %v (encoder loaded: %v, model loaded: %v)\n",
			status["status"], status["encoder_loaded"], status["model_loaded"])
	}

	if err := h.backend.Alerts.Health(ctx); err != nil {
		fmt.Fprintf(&sb, "Alert store: degraded (%s)", describe(err))
	} else {
		sb.WriteString("Alert store: healthy")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatPrediction(p scoring.Prediction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction: %s\n", p.TransactionID)
	fmt.Fprintf(&sb, "Fraud probability: %.4f\n", p.FraudProbability)
	fmt.Fprintf(&sb, "Risk level: %s\n", p.RiskLevel)
	if p.IsFraud {
		sb.WriteString("Verdict: FLAGGED as likely fraud")
	} else {
		sb.WriteString("Verdict: not flagged")
	}
	return sb.String()
}

func formatAlertList(list []*alerts.Alert) string {
	if len(list) == 0 {
		return "No alerts found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d alert(s), oldest first:\n\n", len(list))
	for i, a := range list {
		fmt.Fprintf(&sb, "%d. [%s] %s  txn=%s  user=%s  merchant=%s  amount=%.2f  p=%.4f\n",
			i+1, a.RiskLevel, a.Timestamp.Format("2006-01-02 15:04:05"),
			a.TransactionID, orDash(a.UserID), orDash(a.MerchantID), a.Amount, a.FraudProbability)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// describe renders an error for the model, preferring the server's message.
func describe(err error) string {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Kind != "" {
			msg = apiErr.Kind + ": " + msg
		}
		if retry.IsTransient(err) {
			return "service degraded, " + msg
		}
		return msg
	}
	if retry.IsTransient(err) {
		return "service unreachable: " + err.Error()
	}
	return err.Error()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
