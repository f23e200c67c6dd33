package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListPackages lists the package catalog.
func (h *Handlers) HandleListPackages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPackages(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list packages: %v", err)), nil
	}

	text, err := formatPackageList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse packages: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTenants pages through the tenant directory.
func (h *Handlers) HandleListTenants(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packageID := int64(req.GetInt("package_id", 0))
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListTenants(ctx, packageID, status, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tenants: %v", err)), nil
	}

	text, err := formatTenantList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tenants: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTenant shows one tenant.
func (h *Handlers) HandleGetTenant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	raw, err := h.client.GetTenant(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tenant: %v", err)), nil
	}

	text, err := formatTenant(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tenant: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSwitchPackage moves a tenant onto another package.
func (h *Handlers) HandleSwitchPackage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	packageID := int64(req.GetInt("package_id", 0))
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if packageID <= 0 {
		return mcp.NewToolResultError("package_id must be a positive integer"), nil
	}

	raw, err := h.client.SwitchPackage(ctx, tenantID, packageID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Package switch failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Package switched.\n\n")
	sb.WriteString(formatJSON(raw))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRenewSubscription sets a tenant's expiry and billing cycle.
func (h *Handlers) HandleRenewSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	expiry := req.GetString("expiry_date", "")
	subType := req.GetString("subscription_type", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if !datePattern.MatchString(expiry) {
		return mcp.NewToolResultError("expiry_date must be formatted YYYY-MM-DD"), nil
	}
	if subType != "monthly" && subType != "yearly" {
		return mcp.NewToolResultError("subscription_type must be monthly or yearly"), nil
	}

	raw, err := h.client.Renew(ctx, tenantID, expiry, subType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Renewal failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Subscription renewed until %s (%s).\n\n", expiry, subType))
	sb.WriteString(formatJSON(raw))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleConfirmPayment confirms an offline payment.
func (h *Handlers) HandleConfirmPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID := req.GetString("correlation_id", "")
	purpose := req.GetString("purpose", "")
	if correlationID == "" {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}
	if purpose != "signup" && purpose != "renewal" {
		return mcp.NewToolResultError("purpose must be signup or renewal"), nil
	}

	raw, err := h.client.ConfirmPayment(ctx, correlationID, purpose)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirmation failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Payment %s confirmed for %s.\n\n", correlationID, purpose))
	sb.WriteString(formatJSON(raw))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeleteTenant deprovisions a tenant once the caller repeats its id.
func (h *Handlers) HandleDeleteTenant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if req.GetString("confirm", "") != tenantID {
		return mcp.NewToolResultError("confirm must equal tenant_id; nothing was deleted"), nil
	}

	if _, err := h.client.DeleteTenant(ctx, tenantID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Tenant %s deleted.", tenantID)), nil
}

// HandleHealth reports landlord health.
func (h *Handlers) HandleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Health check failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting ---

func formatPackageList(raw json.RawMessage) (string, error) {
	var resp struct {
		Packages []map[string]any `json:"packages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Packages) == 0 {
		return "No packages defined.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d package(s):\n\n", len(resp.Packages)))
	for _, p := range resp.Packages {
		sb.WriteString(fmt.Sprintf("%s. %s", getString(p, "id"), getString(p, "name")))
		if trial, _ := p["isFreeTrial"].(bool); trial {
			sb.WriteString(" (free trial)")
		}
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("   Fees: %s/month, %s/year\n", getString(p, "monthlyFee"), getString(p, "yearlyFee")))
		sb.WriteString(fmt.Sprintf("   Limits: %s employees, %s users\n",
			limitText(p, "maxEmployees"), limitText(p, "maxUsers")))
		if perms, ok := p["permissions"].([]any); ok {
			sb.WriteString(fmt.Sprintf("   Permissions: %d\n", len(perms)))
		}
	}
	return sb.String(), nil
}

func limitText(m map[string]any, key string) string {
	if v, ok := getFloat(m, key); ok && v > 0 {
		return fmt.Sprintf("%.0f", v)
	}
	return "unlimited"
}

func formatTenantList(raw json.RawMessage) (string, error) {
	var resp struct {
		Tenants    []map[string]any `json:"tenants"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Tenants) == 0 {
		return "No tenants found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d tenant(s):\n\n", len(resp.Tenants)))
	for i, l := range resp.Tenants {
		t, _ := l["tenant"].(map[string]any)
		c, _ := l["customer"].(map[string]any)
		d, _ := l["domain"].(map[string]any)

		sb.WriteString(fmt.Sprintf("%d. %s", i+1, getString(t, "id")))
		if name := getString(c, "companyName"); name != "" {
			sb.WriteString(" " + name)
		}
		sb.WriteString("\n")
		if domain := getString(d, "domain"); domain != "" {
			sb.WriteString(fmt.Sprintf("   Domain: %s\n", domain))
		}
		pkg := getString(l, "packageName")
		if pkg == "" {
			pkg = "#" + getString(t, "packageId")
		}
		sb.WriteString(fmt.Sprintf("   Package: %s | Status: %s | Expires: %s\n",
			pkg, getString(t, "status"), dateOnly(getString(t, "expiryDate"))))
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore tenants available. next_cursor: %s\n", resp.NextCursor))
	}
	return sb.String(), nil
}

func formatTenant(raw json.RawMessage) (string, error) {
	var resp struct {
		Tenant   map[string]any `json:"tenant"`
		Customer map[string]any `json:"customer"`
		Domain   map[string]any `json:"domain"`
		Package  map[string]any `json:"package"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Tenant == nil {
		return "", fmt.Errorf("no tenant in response")
	}

	var sb strings.Builder
	sb.WriteString("Tenant:\n")
	sb.WriteString(fmt.Sprintf("  ID: %s\n", getString(resp.Tenant, "id")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(resp.Tenant, "status")))
	sb.WriteString(fmt.Sprintf("  Database: %s\n", getString(resp.Tenant, "tenancyDbName")))
	if resp.Domain != nil {
		sb.WriteString(fmt.Sprintf("  Domain: %s\n", getString(resp.Domain, "domain")))
	}
	if resp.Customer != nil {
		sb.WriteString(fmt.Sprintf("  Company: %s\n", getString(resp.Customer, "companyName")))
		sb.WriteString(fmt.Sprintf("  Owner: %s %s <%s>\n",
			getString(resp.Customer, "firstName"), getString(resp.Customer, "lastName"), getString(resp.Customer, "email")))
	}
	if resp.Package != nil {
		sb.WriteString(fmt.Sprintf("  Package: %s (#%s)\n", getString(resp.Package, "name"), getString(resp.Package, "id")))
	}
	sb.WriteString(fmt.Sprintf("  Subscription: %s, expires %s\n",
		getString(resp.Tenant, "subscriptionType"), dateOnly(getString(resp.Tenant, "expiryDate"))))
	return sb.String(), nil
}

// dateOnly trims an RFC 3339 timestamp to its date.
func dateOnly(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
