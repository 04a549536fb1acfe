package agent

import (
	"github.com/sahan-penakalapati/hedwig/pkg/llm"
)

// Built-in specialist names.
const (
	General  = "general"
	SWE      = "swe"
	Research = "research"
)

// GeneralProfile handles anything the others do not claim.
func GeneralProfile() Profile {
	return Profile{
		Capabilities: Capabilities{
			Name:    General,
			Purpose: "Handles diverse general-purpose tasks including file operations, basic research, and task automation.",
			Tags: []string{
				"file_operations", "document_management", "basic_research", "artifact_management",
				"task_automation", "information_organization", "general_problem_solving",
			},
			Examples: []string{
				"List all the PDF files in the current project and summarize their contents",
				"Read the configuration file and explain what each setting does",
				"Create a summary of all the artifacts generated in this conversation",
			},
		},
		SystemPrompt: `You are a general-purpose assistant working on the user's machine.
Use the available tools to read files, write documents and organise the artifacts of this conversation.
Read before you modify. Describe what you produced when you finish.`,
	}
}

// SWEProfile writes, runs and debugs code.
func SWEProfile() Profile {
	return Profile{
		Capabilities: Capabilities{
			Name:    SWE,
			Purpose: "Designs, writes, modifies, and debugs source code in multiple programming languages.",
			Tags: []string{
				"code_generation", "code_review", "debugging", "refactoring", "documentation",
				"script_execution", "file_operations", "project_setup", "testing", "software_architecture",
			},
			Examples: []string{
				"Write a Python script to parse CSV and output JSON",
				"Debug this JavaScript function that's not working properly",
				"Write unit tests for this Python class",
			},
		},
		SystemPrompt: `You are a software engineering specialist.
Write clean, idiomatic code with error handling. Read existing files before changing them.
Use code_generator for new source files, python_execute or bash to test what you wrote, and explain your design briefly.`,
		Tools: []string{"code_generator", "file_reader", "file_writer", "markdown_generator", "python_execute", "bash", "list_artifacts"},
	}
}

// ResearchProfile gathers and summarises information into reports.
func ResearchProfile() Profile {
	return Profile{
		Capabilities: Capabilities{
			Name:    Research,
			Purpose: "Conducts comprehensive research, gathers information, and creates detailed reports and summaries.",
			Tags: []string{
				"web_research", "information_gathering", "data_analysis", "content_summarization",
				"fact_checking", "trend_analysis", "report_generation", "data_synthesis", "source_verification",
			},
			Examples: []string{
				"Research the latest developments in artificial intelligence and create a summary report",
				"Gather information about Python web frameworks and compare their features",
				"Analyze competitor pricing for cloud computing services",
			},
		},
		SystemPrompt: `You are a research specialist.
Gather information from the files and tools available, cross-check facts, and write findings as a structured markdown report with markdown_generator.
State clearly what you could not verify.`,
		Tools: []string{"file_reader", "markdown_generator", "file_writer", "list_artifacts", "python_execute"},
	}
}

// Builtins returns the built-in specialists in routing declaration order.
// The general specialist is last and serves as the fallback.
func Builtins(client llm.Client, tools ToolLister, opts ...Option) []Specialist {
	return []Specialist{
		NewReasoner(SWEProfile(), client, tools, opts...),
		NewReasoner(ResearchProfile(), client, tools, opts...),
		NewReasoner(GeneralProfile(), client, tools, opts...),
	}
}
