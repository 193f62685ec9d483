package historical

var seedTickets = []Ticket{
	{
		TicketID:            "HIST-001",
		Category:            "Infrastructure",
		Priority:            "P1-Critical",
		Description:         "Production database server unresponsive, all services affected",
		Resolution:          "Identified memory leak in connection pooling. Restarted service and applied connection limit patch.",
		ResolvedAt:          "2025-12-15T14:30:00Z",
		ResolutionTimeHours: 2.5,
	},
	{
		TicketID:            "HIST-002",
		Category:            "Security",
		Priority:            "P1-Critical",
		Description:         "Suspected unauthorized access to admin accounts detected by monitoring",
		Resolution:          "Disabled compromised accounts, rotated credentials, applied MFA enforcement. Root cause: phishing attack.",
		ResolvedAt:          "2025-11-20T09:00:00Z",
		ResolutionTimeHours: 4,
	},
	{
		TicketID:            "HIST-003",
		Category:            "Network",
		Priority:            "P2-High",
		Description:         "VPN connectivity failures affecting remote workforce",
		Resolution:          "VPN gateway certificate expired. Renewed certificate and restarted VPN concentrator.",
		ResolvedAt:          "2025-10-05T16:45:00Z",
		ResolutionTimeHours: 1.5,
	},
	{
		TicketID:            "HIST-004",
		Category:            "Software",
		Priority:            "P2-High",
		Description:         "Email system delivery delays exceeding 30 minutes for all users",
		Resolution:          "Mail queue backlog due to anti-spam filter misconfiguration. Corrected filter rules and flushed queue.",
		ResolvedAt:          "2025-09-18T11:20:00Z",
		ResolutionTimeHours: 3,
	},
	{
		TicketID:            "HIST-005",
		Category:            "Cloud",
		Priority:            "P2-High",
		Description:         "AWS S3 bucket permissions misconfigured exposing internal documents",
		Resolution:          "Reverted bucket policy to private, enabled CloudTrail logging, audited access logs.",
		ResolvedAt:          "2025-08-22T08:15:00Z",
		ResolutionTimeHours: 1,
	},
	{
		TicketID:            "HIST-006",
		Category:            "Database",
		Priority:            "P2-High",
		Description:         "Database replication lag exceeding 60 seconds on read replicas",
		Resolution:          "Optimized slow queries causing write amplification. Added missing indexes on frequently joined tables.",
		ResolvedAt:          "2025-07-30T13:00:00Z",
		ResolutionTimeHours: 5,
	},
	{
		TicketID:            "HIST-007",
		Category:            "Access Management",
		Priority:            "P3-Medium",
		Description:         "New employee unable to access required applications",
		Resolution:          "Provisioned AD groups and application-specific roles per department onboarding checklist.",
		ResolvedAt:          "2025-07-15T10:30:00Z",
		ResolutionTimeHours: 0.5,
	},
	{
		TicketID:            "HIST-008",
		Category:            "Hardware",
		Priority:            "P3-Medium",
		Description:         "Multiple workstations reporting intermittent blue screen errors",
		Resolution:          "Faulty RAM modules identified in batch. Replaced DIMM sticks and updated BIOS firmware.",
		ResolvedAt:          "2025-06-10T15:45:00Z",
		ResolutionTimeHours: 8,
	},
	{
		TicketID:            "HIST-009",
		Category:            "Monitoring",
		Priority:            "P3-Medium",
		Description:         "Alerting system sending false positive notifications",
		Resolution:          "Threshold values were too aggressive after infrastructure scaling. Adjusted alert thresholds and added cooldown periods.",
		ResolvedAt:          "2025-05-28T09:30:00Z",
		ResolutionTimeHours: 2,
	},
	{
		TicketID:            "HIST-010",
		Category:            "Service Request",
		Priority:            "P4-Low",
		Description:         "Request for additional monitor for developer workstation",
		Resolution:          "Approved and fulfilled from inventory. Updated asset tracking system.",
		ResolvedAt:          "2025-05-01T14:00:00Z",
		ResolutionTimeHours: 24,
	},
}
