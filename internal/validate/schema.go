package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// SchemaValidator checks the shape of Kubernetes manifests, CloudFormation
// templates and parameter values without calling any external tool.
type SchemaValidator struct {
	requireLimits bool
}

// NewSchemaValidator creates a SchemaValidator. With requireLimits, a
// container without resource limits is blocking instead of a warning.
func NewSchemaValidator(requireLimits bool) *SchemaValidator {
	return &SchemaValidator{requireLimits: requireLimits}
}

// Name returns the validator name.
func (v *SchemaValidator) Name() string {
	return "schema"
}

// Validate inspects every live change.
func (v *SchemaValidator) Validate(_ context.Context, changes []contract.CodeChange) ([]contract.Finding, error) {
	var findings []contract.Finding
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		switch c.Kind {
		case contract.KindKubernetes:
			findings = append(findings, v.kubernetes(c)...)
		case contract.KindCloudFormation:
			findings = append(findings, v.cloudFormation(c)...)
		case contract.KindParameter:
			if strings.TrimSpace(c.Content) == "" {
				findings = append(findings, v.blocking(c.Path, 0, "parameter-value", "parameter value is empty"))
			}
		}
	}
	return findings, nil
}

var podTemplatePaths = map[string][]string{
	"Deployment":  {"spec", "template", "spec"},
	"StatefulSet": {"spec", "template", "spec"},
	"DaemonSet":   {"spec", "template", "spec"},
	"ReplicaSet":  {"spec", "template", "spec"},
	"Job":         {"spec", "template", "spec"},
	"CronJob":     {"spec", "jobTemplate", "spec", "template", "spec"},
	"Pod":         {"spec"},
}

func (v *SchemaValidator) kubernetes(c contract.CodeChange) []contract.Finding {
	docs, err := decodeAll(c.Content)
	if err != nil {
		return []contract.Finding{v.blocking(c.Path, 0, "yaml-syntax", err.Error())}
	}

	var findings []contract.Finding
	for _, doc := range docs {
		line := doc.Line
		for _, key := range []string{"apiVersion", "kind"} {
			if scalar(lookup(doc, key)) == "" {
				findings = append(findings, v.blocking(c.Path, line, "required-field", key+" is required"))
			}
		}
		kind := scalar(lookup(doc, "kind"))
		name := scalar(lookup(doc, "metadata", "name"))
		if name == "" {
			findings = append(findings, v.blocking(c.Path, line, "required-field", "metadata.name is required"))
		}

		specPath, ok := podTemplatePaths[kind]
		if !ok {
			continue
		}
		containers := lookup(doc, append(specPath, "containers")...)
		if containers == nil || containers.Kind != yaml.SequenceNode || len(containers.Content) == 0 {
			findings = append(findings, v.blocking(c.Path, line, "containers", fmt.Sprintf("%s %s has no containers", kind, name)))
			continue
		}
		for _, ctr := range containers.Content {
			findings = append(findings, v.container(c.Path, kind, name, ctr)...)
		}
	}
	return findings
}

func (v *SchemaValidator) container(path, kind, workload string, ctr *yaml.Node) []contract.Finding {
	var findings []contract.Finding
	cname := scalar(lookup(ctr, "name"))
	where := fmt.Sprintf("%s %s container %q", kind, workload, cname)

	image := scalar(lookup(ctr, "image"))
	switch {
	case image == "":
		findings = append(findings, v.blocking(path, ctr.Line, "container-image", where+" has no image"))
	case !hasPinnedTag(image):
		findings = append(findings, contract.Finding{
			Validator:   v.Name(),
			Severity:    contract.SeverityWarning,
			Path:        path,
			Line:        ctr.Line,
			Rule:        "image-tag",
			Message:     fmt.Sprintf("%s uses unpinned image %s", where, image),
			Remediation: "pin the image to a version tag or digest",
		})
	}

	if lookup(ctr, "resources", "limits") == nil {
		sev := contract.SeverityWarning
		if v.requireLimits {
			sev = contract.SeverityBlocking
		}
		findings = append(findings, contract.Finding{
			Validator:   v.Name(),
			Severity:    sev,
			Path:        path,
			Line:        ctr.Line,
			Rule:        "resource-limits",
			Message:     where + " sets no resource limits",
			Remediation: "set resources.limits.cpu and resources.limits.memory",
		})
	}
	return findings
}

func (v *SchemaValidator) cloudFormation(c contract.CodeChange) []contract.Finding {
	docs, err := decodeAll(c.Content)
	if err != nil {
		return []contract.Finding{v.blocking(c.Path, 0, "yaml-syntax", err.Error())}
	}
	if len(docs) != 1 {
		return []contract.Finding{v.blocking(c.Path, 0, "template", fmt.Sprintf("expected one template document, found %d", len(docs)))}
	}

	resources := lookup(docs[0], "Resources")
	if resources == nil || resources.Kind != yaml.MappingNode || len(resources.Content) == 0 {
		return []contract.Finding{v.blocking(c.Path, docs[0].Line, "resources", "template declares no Resources")}
	}

	var findings []contract.Finding
	for i := 0; i+1 < len(resources.Content); i += 2 {
		logical, body := resources.Content[i], resources.Content[i+1]
		typ := scalar(lookup(body, "Type"))
		if typ == "" {
			findings = append(findings, v.blocking(c.Path, logical.Line, "resource-type", fmt.Sprintf("resource %s has no Type", logical.Value)))
			continue
		}
		if !strings.HasPrefix(typ, "AWS::") && !strings.HasPrefix(typ, "Custom::") {
			findings = append(findings, v.blocking(c.Path, logical.Line, "resource-type", fmt.Sprintf("resource %s has unknown Type %s", logical.Value, typ)))
		}
	}
	return findings
}

func (v *SchemaValidator) blocking(path string, line int, rule, msg string) contract.Finding {
	return contract.Finding{
		Validator: v.Name(),
		Severity:  contract.SeverityBlocking,
		Path:      path,
		Line:      line,
		Rule:      rule,
		Message:   msg,
	}
}

// decodeAll parses every YAML document in content into its root mapping
// node. Empty documents are skipped.
func decodeAll(content string) ([]*yaml.Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	var docs []*yaml.Node
	for {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(n.Content) == 0 {
			continue
		}
		root := n.Content[0]
		if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
			continue
		}
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: document is not a mapping", root.Line)
		}
		docs = append(docs, root)
	}
	return docs, nil
}

// lookup walks mapping keys from n. It returns nil when any key is absent.
func lookup(n *yaml.Node, keys ...string) *yaml.Node {
	cur := n
	for _, k := range keys {
		if cur == nil || cur.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(cur.Content); i += 2 {
			if cur.Content[i].Value == k {
				next = cur.Content[i+1]
				break
			}
		}
		cur = next
	}
	return cur
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(n.Value)
}

func hasPinnedTag(image string) bool {
	if strings.Contains(image, "@sha256:") {
		return true
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return false
	}
	return image[colon+1:] != "latest"
}
