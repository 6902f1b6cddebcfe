package prompt

// Template names.
const (
	Classify = "classify.md"
	Plan     = "plan.md"
	Generate = "generate.md"
	Query    = "query.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	Classify: classifyTemplate,
	Plan:     planTemplate,
	Generate: generateTemplate,
	Query:    queryTemplate,
}

const classifyTemplate = `You are an intent classifier for an infrastructure change-management system.

Classify the request into exactly one category:

CHANGE - modifies infrastructure state: creating, updating, scaling or deleting
AWS resources, Kubernetes workloads, Helm releases, CloudFormation stacks or
configuration parameters.

QUERY - read-only: status checks, listing resources, logs, describing current
configuration, troubleshooting, audits.

CONVERSATION - greetings, questions about this system, or anything unclear.

Respond with ONLY one word: CHANGE, QUERY or CONVERSATION.

Request:
{{request}}
`

const planTemplate = `Analyze this infrastructure change request and produce a structured plan.

Request: {{request}}
Environment: {{environment}}
{{#if context}}

Context:
{{context}}
{{/if}}

## Acceptance criteria

Every requirement needs at least one acceptance criterion with a REAL,
EXECUTABLE shell command as its check and the exact trimmed output expected.
Pick checks that fit the resource type:

- Kubernetes/Helm workloads: kubectl get pods -n <ns> -l <label> -o jsonpath='{.items[*].status.phase}' -> Running
- CloudFormation stacks: aws cloudformation describe-stacks --stack-name <name> --query 'Stacks[0].StackStatus' --output text -> UPDATE_COMPLETE
- S3 buckets: aws s3api get-bucket-versioning --bucket <name> --query Status --output text -> Enabled
- Parameters: aws ssm get-parameter --name <name> --query Parameter.Value --output text -> <value>

## File targets

List every file to create, modify or delete. kind is one of cloudformation,
helm, kubernetes or parameter. For helm targets the resource is the release
name; for cloudformation it is the stack name; for parameter it is the
parameter name and the file holds the value.

Respond with ONLY a YAML document of this shape:

summary: one or two sentences
requirements:
  - id: REQ-001
    description: what must be true
    kind: functional|non-functional|security|compliance
    priority: low|medium|high|critical
    controls: [CM-3]
acceptance_criteria:
  - id: AC-001
    requirement_id: REQ-001
    description: how it is verified
    check: executable command
    expected: exact output
file_targets:
  - path: infra/helm/values/redis.yaml
    kind: helm
    operation: create|modify|delete
    resource: redis
    description: what changes
estimated_monthly_cost: 0
requires_approval: false
notes: anything the implementer should know
`

const generateTemplate = `Write the complete new content of one infrastructure file.

Plan summary: {{summary}}
Environment: {{environment}}

File: {{path}}
Kind: {{kind}}
Operation: {{operation}}
{{#if resource}}Resource: {{resource}}
{{/if}}Change: {{description}}

Requirements this file must satisfy:
{{requirements}}
{{#if current}}

Current content:
{{current}}
{{/if}}
{{#if feedback}}

The previous attempt was rejected by review. Fix every finding:
{{feedback}}
{{/if}}

Rules:
- Output ONLY the file content, no commentary and no code fences.
- Kubernetes workloads must set resource requests and limits.
- Never embed credentials or secrets; reference a secret store instead.
`

const queryTemplate = `You answer read-only questions about infrastructure in the {{environment}}
environment. Do not propose or perform changes.

Question:
{{request}}
`
