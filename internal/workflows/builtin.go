package workflows

import (
	"errors"

	"github.com/rendis/toolflow/pkg/schema"
)

// Builtins returns the workflows seeded at process start. They chain the
// host tools: Desktop listing, r-counting, browser and mail.
func Builtins() []*schema.Workflow {
	return []*schema.Workflow{
		{
			Name:        "data_processing",
			Description: "Fetch data, validate it, summarize and notify the user",
			Steps: []schema.StepDefinition{
				{
					Name:            "fetch_data",
					Description:     "Fetch data from source",
					ToolName:        "list_desktop_contents",
					ValidationRules: &schema.ValidationRules{RequiredFields: []string{"status"}},
				},
				{
					Name:            "validate_data",
					Description:     "Validate fetched data",
					ToolName:        "count_r",
					Parameters:      map[string]any{"word": "{{fetch_data.result}}"},
					DependsOn:       []string{"fetch_data"},
					ValidationRules: &schema.ValidationRules{ExpectedStatus: "success"},
				},
				{
					Name:        "summarize_data",
					Description: "Create summary of validated data",
					ToolName:    "get_desktop_path",
					DependsOn:   []string{"validate_data"},
					Condition:   "validate_data.result != nil",
				},
				{
					Name:        "notify_user",
					Description: "Send notification to user",
					ToolName:    "open_gmail",
					DependsOn:   []string{"summarize_data"},
					Condition:   "summarize_data.status == 'success'",
				},
			},
		},
		{
			Name:        "email_campaign",
			Description: "Prepare recipients, validate them, send the campaign and confirm delivery",
			Steps: []schema.StepDefinition{
				{
					Name:            "prepare_recipients",
					Description:     "Prepare email recipient list",
					ToolName:        "list_desktop_contents",
					ValidationRules: &schema.ValidationRules{RequiredFields: []string{"status"}},
				},
				{
					Name:        "validate_emails",
					Description: "Validate email addresses",
					ToolName:    "count_r",
					Parameters:  map[string]any{"word": "{{prepare_recipients.result}}"},
					DependsOn:   []string{"prepare_recipients"},
				},
				{
					Name:        "send_emails",
					Description: "Send emails to validated recipients",
					ToolName:    "sendmail_simple",
					Parameters: map[string]any{
						"to_email": "test@example.com",
						"subject":  "Campaign Email",
						"message":  "This is a campaign email.",
					},
					DependsOn: []string{"validate_emails"},
					Condition: "validate_emails.status == 'success'",
				},
				{
					Name:        "confirm_delivery",
					Description: "Confirm email delivery",
					ToolName:    "open_gmail",
					DependsOn:   []string{"send_emails"},
				},
			},
		},
		{
			Name:        "file_analysis",
			Description: "Scan the Desktop, analyze the files and produce a report",
			Steps: []schema.StepDefinition{
				{
					Name:            "scan_directory",
					Description:     "Scan directory for files",
					ToolName:        "list_desktop_contents",
					ValidationRules: &schema.ValidationRules{RequiredFields: []string{"status"}},
				},
				{
					Name:        "analyze_files",
					Description: "Analyze found files",
					ToolName:    "count_r",
					Parameters:  map[string]any{"word": "{{scan_directory.result}}"},
					DependsOn:   []string{"scan_directory"},
				},
				{
					Name:        "generate_report",
					Description: "Generate analysis report",
					ToolName:    "get_desktop_path",
					DependsOn:   []string{"analyze_files"},
				},
				{
					Name:        "save_report",
					Description: "Save report to desktop",
					ToolName:    "open_gmail_compose",
					DependsOn:   []string{"generate_report"},
				},
			},
		},
	}
}

// RegisterBuiltins seeds reg with Builtins through the normal registration path.
func RegisterBuiltins(reg *Registry) error {
	var errs []error
	for _, wf := range Builtins() {
		wf.Builtin = true
		if _, err := reg.RegisterWorkflow(wf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
