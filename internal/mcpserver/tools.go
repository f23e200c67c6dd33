package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the landlord admin MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListPackages = mcp.NewTool("list_packages",
	mcp.WithDescription(
		"List the subscription packages tenants can be on, with monthly and yearly fees, "+
			"employee and user limits, and the permissions each package grants."),
)

var ToolListTenants = mcp.NewTool("list_tenants",
	mcp.WithDescription(
		"Browse the tenant directory, newest first. Each entry shows the tenant, its owning "+
			"customer, its domain and package. Pass next_cursor from a previous call to page."),
	mcp.WithNumber("package_id",
		mcp.Description("Only tenants on this package")),
	mcp.WithString("status",
		mcp.Description("Only tenants in this status"),
		mcp.Enum("provisioning", "active")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of tenants to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Opaque cursor returned as next_cursor by a previous call")),
)

var ToolGetTenant = mcp.NewTool("get_tenant",
	mcp.WithDescription(
		"Get one tenant with its customer, domain, package and subscription expiry."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The tenant id (e.g. 'ten_...')")),
)

var ToolSwitchPackage = mcp.NewTool("switch_package",
	mcp.WithDescription(
		"Move a tenant onto another package. The tenant's permissions are reconciled to the "+
			"new package and the owner role is re-granted exactly that set. Safe to repeat."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The tenant id")),
	mcp.WithNumber("package_id",
		mcp.Required(),
		mcp.Description("The package to switch to")),
)

var ToolRenewSubscription = mcp.NewTool("renew_subscription",
	mcp.WithDescription(
		"Set a tenant's subscription expiry date and billing cycle without taking payment. "+
			"Use after an out-of-band agreement with the customer."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The tenant id")),
	mcp.WithString("expiry_date",
		mcp.Required(),
		mcp.Description("New expiry date as YYYY-MM-DD")),
	mcp.WithString("subscription_type",
		mcp.Required(),
		mcp.Description("Billing cycle"),
		mcp.Enum("monthly", "yearly")),
)

var ToolConfirmPayment = mcp.NewTool("confirm_payment",
	mcp.WithDescription(
		"Confirm an offline payment so the waiting signup is provisioned or the waiting "+
			"renewal is applied. The correlation id comes from the signup or renewal response."),
	mcp.WithString("correlation_id",
		mcp.Required(),
		mcp.Description("Correlation id of the pending payment")),
	mcp.WithString("purpose",
		mcp.Required(),
		mcp.Description("What the payment was for"),
		mcp.Enum("signup", "renewal")),
)

var ToolDeleteTenant = mcp.NewTool("delete_tenant",
	mcp.WithDescription(
		"Permanently delete a tenant: its database, files, customer account and domain. "+
			"This cannot be undone. Repeat the tenant id in confirm to proceed."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The tenant id")),
	mcp.WithString("confirm",
		mcp.Required(),
		mcp.Description("Must equal tenant_id")),
)

var ToolHealth = mcp.NewTool("health",
	mcp.WithDescription(
		"Check landlord health: landlord database, tenant database storage and payment gateway."),
)
