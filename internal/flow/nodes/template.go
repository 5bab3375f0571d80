package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

var templateToken = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Template substitutes "{{path}}" placeholders in a template string
// (option "template") using JSONPath lookups against the message, then
// optionally parses the rendered string as JSON (option "parse_json").
// A placeholder whose path fails to resolve is logged and rendered empty;
// it does not abort the rest of the template.
var Template = noderegistry.Definition{
	Type:     "template",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		tmpl := stringOption(cfg, "template", "")
		parseJSON := boolOption(cfg, "parse_json", false)

		root := pathRoot(in)
		rendered := templateToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
			expr := templateToken.FindStringSubmatch(tok)[1]
			v, err := jsonpath.Get(jsonPathExpr(expr), root)
			if err != nil {
				h.Warn(fmt.Sprintf("template: path %q: %v", expr, err))
				return ""
			}
			return fmt.Sprint(v)
		})

		out := in.Clone()
		if parseJSON {
			var parsed any
			if err := json.Unmarshal([]byte(rendered), &parsed); err != nil {
				return nil, fmt.Errorf("template: parse rendered output as json: %w", err)
			}
			out.SetPayload(parsed)
		} else {
			out.SetPayload(rendered)
		}
		return out, nil
	},
}

func jsonPathExpr(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "$") {
		return expr
	}
	return "$." + expr
}
