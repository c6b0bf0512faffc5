package config

import "time"

// DefaultModules returns the built-in policy table. Rules are listed in
// priority order; the first rule that matches an event wins.
//
// Summary and command strings may reference {ip}, {count}, {window},
// {port}, {user} and {command}.
func DefaultModules() []ModuleConfig {
	return []ModuleConfig{
		{
			Name:     "ssh",
			Sources:  []string{"ssh", "cowrie"},
			Ports:    []int{22, 2222},
			Window:   60 * time.Second,
			Cooldown: 25 * time.Second,
			Rules: []RuleConfig{
				{
					ID:         "bruteforce",
					EventTypes: []string{"brute_force"},
					MinCount:   1,
					Severity:   "high",
					Confidence: 0.9,
					Summary:    "SSH brute force from {ip}: {count} attempts on port {port} within {window}",
					Tags:       []string{"ssh", "bruteforce"},
					Commands: []string{
						"Lock targeted accounts after repeated failures (pam_faillock deny=5)",
						"Confirm {ip} is being redirected to the Cowrie decoy",
						"nft add element inet filter ghostwall_blocklist { {ip} timeout 900s }",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 15 * time.Minute},
				},
				{
					ID:             "critical_spray",
					EventTypes:     []string{"cowrie_session", "connect_attempt"},
					SessionActions: []string{"login_failed", "connect"},
					MinCount:       12,
					Severity:       "high",
					Confidence:     0.85,
					Summary:        "SSH credential spray from {ip}: {count} attempts within {window}",
					Tags:           []string{"ssh", "cowrie", "spray", "candidate-block"},
					Commands: []string{
						"Block {ip} at the edge for at least 15 minutes",
						"Review /var/log/auth.log for successful logins from {ip}",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 15 * time.Minute},
				},
				{
					ID:             "decoy_login",
					EventTypes:     []string{"cowrie_session"},
					SessionActions: []string{"login_success"},
					MinCount:       1,
					Severity:       "medium",
					Confidence:     0.8,
					Summary:        "Decoy SSH login accepted for {ip} as {user}",
					Tags:           []string{"ssh", "cowrie", "decoy-login"},
					Commands: []string{
						"Watch the Cowrie session transcript for {ip}",
						"Verify {user} does not exist on production hosts",
					},
				},
				{
					ID:             "burst",
					EventTypes:     []string{"cowrie_session", "connect_attempt"},
					SessionActions: []string{"login_failed", "connect"},
					MinCount:       6,
					Severity:       "medium",
					Confidence:     0.7,
					Summary:        "SSH login burst from {ip}: {count} attempts within {window}",
					Tags:           []string{"ssh", "burst"},
					Commands: []string{
						"Rate-limit new SSH connections from {ip}",
					},
				},
				{
					ID:             "decoy_command",
					EventTypes:     []string{"cowrie_session"},
					SessionActions: []string{"command", "download"},
					MinCount:       1,
					Severity:       "medium",
					Confidence:     0.75,
					Summary:        "Attacker {ip} ran {command} inside the decoy",
					Tags:           []string{"ssh", "cowrie", "post-auth"},
					Commands: []string{
						"Capture the downloaded artifacts for analysis",
					},
				},
				{
					ID:         "probe",
					EventTypes: []string{"connect_attempt", "cowrie_session", "port_sweep"},
					MinCount:   1,
					Severity:   "low",
					Confidence: 0.4,
					Summary:    "SSH probe from {ip}",
					Tags:       []string{"ssh", "probe"},
					Commands: []string{
						"Keep {ip} on the decoy path",
					},
				},
			},
		},
		{
			Name:     "http",
			Sources:  []string{"http"},
			Ports:    []int{80, 443, 8080, 8443},
			Window:   60 * time.Second,
			Cooldown: 20 * time.Second,
			Rules: []RuleConfig{
				{
					ID:         "bruteforce",
					EventTypes: []string{"brute_force"},
					MinCount:   1,
					Severity:   "high",
					Confidence: 0.85,
					Summary:    "HTTP brute force from {ip}: {count} requests on port {port} within {window}",
					Tags:       []string{"http", "bruteforce", "rate-limit"},
					Commands: []string{
						"Enable login throttling on the web application",
						"Limit {ip} to 10 new connections per minute",
					},
					Mitigation: MitigationConfig{Action: "rate_limit", Duration: 15 * time.Minute, LimitPerMinute: 10},
				},
				{
					ID:         "sustained_probe",
					EventTypes: []string{"http_probe", "connect_attempt", "port_sweep"},
					MinCount:   30,
					Severity:   "medium",
					Confidence: 0.75,
					Summary:    "Sustained HTTP probing from {ip}: {count} connections within {window}",
					Tags:       []string{"http", "probe", "rate-limit"},
					Commands: []string{
						"Limit {ip} to 15 new connections per minute",
						"Check web server access logs for scanner signatures",
					},
					Mitigation: MitigationConfig{Action: "rate_limit", Duration: 15 * time.Minute, LimitPerMinute: 15},
				},
				{
					ID:         "probe",
					EventTypes: []string{"http_probe", "connect_attempt", "port_sweep"},
					MinCount:   1,
					Severity:   "low",
					Confidence: 0.5,
					Summary:    "HTTP probe from {ip} on port {port}",
					Tags:       []string{"http", "probe"},
				},
			},
		},
		{
			Name:     "ftp",
			Sources:  []string{"ftp"},
			Ports:    []int{20, 21},
			Window:   120 * time.Second,
			Cooldown: 30 * time.Second,
			Rules: []RuleConfig{
				{
					ID:         "bruteforce",
					EventTypes: []string{"brute_force"},
					MinCount:   1,
					Severity:   "high",
					Confidence: 0.85,
					Summary:    "FTP brute force from {ip}: {count} attempts within {window}",
					Tags:       []string{"ftp", "bruteforce"},
					Commands: []string{
						"Disable anonymous FTP and password logins",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 15 * time.Minute},
				},
				{
					ID:         "sustained_probe",
					EventTypes: []string{"ftp_session", "connect_attempt", "port_sweep"},
					MinCount:   8,
					Severity:   "medium",
					Confidence: 0.7,
					Summary:    "Sustained FTP activity from {ip}: {count} events within {window}",
					Tags:       []string{"ftp", "probe", "candidate-block"},
					Commands: []string{
						"Block {ip} from ports 20-21 for 15 minutes",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 15 * time.Minute},
				},
				{
					ID:         "probe",
					EventTypes: []string{"ftp_session", "connect_attempt", "port_sweep"},
					MinCount:   1,
					Severity:   "low",
					Confidence: 0.4,
					Summary:    "FTP probe from {ip}",
					Tags:       []string{"ftp", "probe"},
				},
			},
		},
		{
			Name:     "telnet",
			Sources:  []string{"telnet"},
			Ports:    []int{23},
			Window:   120 * time.Second,
			Cooldown: 30 * time.Second,
			Rules: []RuleConfig{
				{
					ID:         "bruteforce",
					EventTypes: []string{"brute_force"},
					MinCount:   1,
					Severity:   "high",
					Confidence: 0.9,
					Summary:    "Telnet brute force from {ip}: {count} attempts within {window}",
					Tags:       []string{"telnet", "bruteforce"},
					Commands: []string{
						"Disable telnetd; use SSH for remote shells",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 180 * time.Second},
				},
				{
					ID:         "repeated_login",
					EventTypes: []string{"connect_attempt", "port_sweep"},
					MinCount:   2,
					Severity:   "high",
					Confidence: 0.8,
					Summary:    "Repeated Telnet connections from {ip}: {count} within {window}",
					Tags:       []string{"telnet", "candidate-block"},
					Commands: []string{
						"Block {ip} from port 23 for 3 minutes",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 180 * time.Second},
				},
				{
					ID:         "probe",
					EventTypes: []string{"connect_attempt", "port_sweep"},
					MinCount:   1,
					Severity:   "medium",
					Confidence: 0.6,
					Summary:    "Telnet probe from {ip}",
					Tags:       []string{"telnet", "probe", "rate-limit"},
					Commands: []string{
						"Limit {ip} to 1 new Telnet connection per minute",
					},
					Mitigation: MitigationConfig{Action: "rate_limit", Duration: 15 * time.Minute, LimitPerMinute: 1},
				},
			},
		},
		{
			Name:     "smtp",
			Sources:  []string{"smtp"},
			Ports:    []int{25, 465, 587},
			Window:   120 * time.Second,
			Cooldown: 30 * time.Second,
			Rules: []RuleConfig{
				{
					ID:         "relay_abuse",
					EventTypes: []string{"brute_force"},
					MinCount:   1,
					Severity:   "high",
					Confidence: 0.8,
					Summary:    "SMTP relay abuse from {ip}: {count} attempts on port {port} within {window}",
					Tags:       []string{"smtp", "bruteforce"},
					Commands: []string{
						"Require AUTH over TLS and reject open relaying",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 120 * time.Second},
				},
				{
					ID:         "repeated_auth",
					EventTypes: []string{"connect_attempt", "port_sweep"},
					MinCount:   4,
					Severity:   "high",
					Confidence: 0.75,
					Summary:    "Repeated SMTP connections from {ip}: {count} within {window}",
					Tags:       []string{"smtp", "candidate-block"},
					Commands: []string{
						"Block {ip} from ports 25, 465 and 587 for 2 minutes",
					},
					Mitigation: MitigationConfig{Action: "block_ip", Duration: 120 * time.Second},
				},
				{
					ID:         "probe",
					EventTypes: []string{"connect_attempt", "port_sweep"},
					MinCount:   1,
					Severity:   "low",
					Confidence: 0.5,
					Summary:    "SMTP probe from {ip} on port {port}",
					Tags:       []string{"smtp", "probe", "rate-limit"},
					Commands: []string{
						"Limit {ip} to 2 new SMTP connections per minute",
					},
					Mitigation: MitigationConfig{Action: "rate_limit", Duration: 15 * time.Minute, LimitPerMinute: 2},
				},
			},
		},
	}
}
