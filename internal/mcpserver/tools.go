package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the model reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score one card transaction for fraud risk. "+
			"Returns the fraud probability, whether it is flagged as fraud (probability above 0.5) "+
			"and the risk tier: LOW below 0.3, MEDIUM below 0.7, HIGH otherwise."),
	mcp.WithObject("transaction",
		mcp.Required(),
		mcp.Description("The transaction record. Required fields: transaction_id, amount, amount_log, "+
			"latitude, longitude, hour (0-23), day_of_week (0-6), transaction_type ('atm', 'in-store' or 'online'), "+
			"is_weekend (0/1), is_night (0/1). Optional: user_id, merchant_id, timestamp.")),
)

var ToolRecentAlerts = mcp.NewTool("recent_alerts",
	mcp.WithDescription(
		"List the most recent fraud alerts, oldest first. "+
			"Each alert names the transaction, user, merchant, amount, probability and tier."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 10, at most 1000)")),
	mcp.WithString("risk_level",
		mcp.Description("Only show alerts of this tier"),
		mcp.Enum("LOW", "MEDIUM", "HIGH")),
)

var ToolAlertSummary = mcp.NewTool("alert_summary",
	mcp.WithDescription(
		"Count the stored fraud alerts in total and per risk tier."),
)

var ToolServiceHealth = mcp.NewTool("service_health",
	mcp.WithDescription(
		"Check whether the scoring service has its encoder and model loaded "+
			"and whether the alert store is accepting writes."),
)
