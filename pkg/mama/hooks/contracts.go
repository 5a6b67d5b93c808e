package hooks

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Contract is one API surface mined from an edited file, shaped for
// mama_save.
type Contract struct {
	Topic      string
	Decision   string
	Reasoning  string
	Confidence float64
}

// Caps keep one giant schema from flooding memory.
const (
	maxInterfaceFields = 5
	maxTableColumns    = 10
	maxGraphQLFields   = 10
)

// editClassTools are the tools whose results warrant contract mining.
var editClassTools = map[string]bool{
	"write_file":  true,
	"apply_patch": true,
	"Edit":        true,
	"Write":       true,
	"test":        true,
	"build":       true,
}

// IsEditTool reports whether a tool's output should be mined.
func IsEditTool(name string) bool {
	return editClassTools[name]
}

// lowPriorityDirs never carry contracts worth saving.
var lowPriorityDirs = []string{
	"/docs/", "/doc/", "/tests/", "/test/", "/example/", "/examples/", "node_modules/",
}

// lowPriorityExts are documentation and config formats.
var lowPriorityExts = map[string]bool{
	".md": true, ".json": true, ".yaml": true, ".yml": true,
}

// IsLowPriorityPath filters docs, tests, examples, dependencies, env
// files, and config formats out of contract mining.
func IsLowPriorityPath(path string) bool {
	if path == "" {
		return true
	}
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, dir := range lowPriorityDirs {
		if strings.Contains(lower, dir) || strings.HasPrefix(lower, strings.TrimPrefix(dir, "/")) {
			return true
		}
	}
	base := filepath.Base(lower)
	if strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		return true
	}
	if strings.HasPrefix(base, ".env") {
		return true
	}
	return lowPriorityExts[filepath.Ext(base)]
}

var (
	expressRouteRe = regexp.MustCompile(`\b(?:app|router)\.(get|post|put|delete|patch)\s*\(\s*['"]([^'"]+)['"]`)
	springRouteRe  = regexp.MustCompile(`@(Get|Post|Put|Delete|Patch|Request)Mapping\s*\(\s*(?:value\s*=\s*)?"([^"]+)"`)

	jsFuncRe   = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s+(\w+)\s*\(([^)]*)\)`)
	jsArrowRe  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?\(([^)]*)\)[^=]*=>`)
	pyFuncRe   = regexp.MustCompile(`(?m)^\s*def\s+(\w+)\s*\(([^)]*)\)\s*->\s*([^:]+):`)
	goFuncRe   = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)\s*\(([^)]*)\)`)
	rustFuncRe = regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)\s*(?:<[^>]*>)?\s*\(([^)]*)\)`)

	tsInterfaceRe = regexp.MustCompile(`(?ms)(?:export\s+)?interface\s+(\w+)(?:\s+extends\s+[\w, ]+)?\s*\{(.*?)\n\}`)
	tsTypeRe      = regexp.MustCompile(`(?ms)(?:export\s+)?type\s+(\w+)\s*=\s*\{(.*?)\n\}`)
	tsFieldRe     = regexp.MustCompile(`(?m)^\s*(?:readonly\s+)?(\w+)\??\s*:\s*([^;\n]+)`)

	sqlCreateRe = regexp.MustCompile(`(?is)create\s+table\s+(?:if\s+not\s+exists\s+)?[` + "`" + `"]?(\w+)[` + "`" + `"]?\s*\((.*?)\)\s*;`)
	sqlAlterRe  = regexp.MustCompile(`(?i)alter\s+table\s+[` + "`" + `"]?(\w+)[` + "`" + `"]?\s+(add|drop|modify|alter)\s+(?:column\s+)?[` + "`" + `"]?(\w+)`)

	graphqlTypeRe = regexp.MustCompile(`(?ms)\b(type|input|interface|enum)\s+(\w+)(?:\s+implements\s+[\w& ]+)?\s*\{(.*?)\n\}`)
)

// sqlConstraintPrefixes start table-level constraint lines rather than
// column definitions.
var sqlConstraintPrefixes = []string{
	"primary", "foreign", "unique", "constraint", "check", "key", "index",
}

// ExtractContracts mines a file's content for API contracts. The file
// extension chooses which extractors run so one language's syntax does
// not false-positive another's.
func ExtractContracts(path, content string) []Contract {
	if content == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	name := filepath.Base(path)

	var contracts []Contract
	switch ext {
	case ".js", ".jsx", ".mjs", ".cjs":
		contracts = append(contracts, extractRESTRoutes(name, content)...)
		contracts = append(contracts, extractJSFunctions(name, content)...)
	case ".ts", ".tsx":
		contracts = append(contracts, extractRESTRoutes(name, content)...)
		contracts = append(contracts, extractJSFunctions(name, content)...)
		contracts = append(contracts, extractTSTypes(name, content)...)
	case ".py":
		contracts = append(contracts, extractPythonFunctions(name, content)...)
	case ".go":
		contracts = append(contracts, extractGoFunctions(name, content)...)
	case ".rs":
		contracts = append(contracts, extractRustFunctions(name, content)...)
	case ".java", ".kt":
		contracts = append(contracts, extractSpringRoutes(name, content)...)
	case ".sql":
		contracts = append(contracts, extractSQLTables(name, content)...)
	case ".graphql", ".gql":
		contracts = append(contracts, extractGraphQLTypes(name, content)...)
	}
	return contracts
}

func extractRESTRoutes(file, content string) []Contract {
	var out []Contract
	for _, m := range expressRouteRe.FindAllStringSubmatch(content, -1) {
		verb := strings.ToUpper(m[1])
		out = append(out, Contract{
			Topic:      fmt.Sprintf("API endpoint: %s %s", verb, m[2]),
			Decision:   fmt.Sprintf("%s %s is served from %s", verb, m[2], file),
			Reasoning:  "Route registration found after a code edit",
			Confidence: 0.7,
		})
	}
	return out
}

func extractSpringRoutes(file, content string) []Contract {
	var out []Contract
	for _, m := range springRouteRe.FindAllStringSubmatch(content, -1) {
		verb := strings.ToUpper(m[1])
		if verb == "REQUEST" {
			verb = "ANY"
		}
		out = append(out, Contract{
			Topic:      fmt.Sprintf("API endpoint: %s %s", verb, m[2]),
			Decision:   fmt.Sprintf("%s %s is mapped in %s", verb, m[2], file),
			Reasoning:  "Mapping annotation found after a code edit",
			Confidence: 0.7,
		})
	}
	return out
}

func functionContract(file, name, params string) Contract {
	sig := fmt.Sprintf("%s(%s)", name, collapseSpaces(params))
	return Contract{
		Topic:      fmt.Sprintf("Function: %s in %s", name, file),
		Decision:   fmt.Sprintf("Signature %s defined in %s", sig, file),
		Reasoning:  "Function signature found after a code edit",
		Confidence: 0.6,
	}
}

func extractJSFunctions(file, content string) []Contract {
	var out []Contract
	for _, m := range jsFuncRe.FindAllStringSubmatch(content, -1) {
		out = append(out, functionContract(file, m[1], m[2]))
	}
	for _, m := range jsArrowRe.FindAllStringSubmatch(content, -1) {
		out = append(out, functionContract(file, m[1], m[2]))
	}
	return out
}

func extractPythonFunctions(file, content string) []Contract {
	var out []Contract
	for _, m := range pyFuncRe.FindAllStringSubmatch(content, -1) {
		c := functionContract(file, m[1], m[2])
		c.Decision = fmt.Sprintf("Signature %s(%s) -> %s defined in %s",
			m[1], collapseSpaces(m[2]), strings.TrimSpace(m[3]), file)
		out = append(out, c)
	}
	return out
}

func extractGoFunctions(file, content string) []Contract {
	var out []Contract
	for _, m := range goFuncRe.FindAllStringSubmatch(content, -1) {
		out = append(out, functionContract(file, m[1], m[2]))
	}
	return out
}

func extractRustFunctions(file, content string) []Contract {
	var out []Contract
	for _, m := range rustFuncRe.FindAllStringSubmatch(content, -1) {
		out = append(out, functionContract(file, m[1], m[2]))
	}
	return out
}

func extractTSTypes(file, content string) []Contract {
	var out []Contract
	collect := func(kind string, matches [][]string) {
		for _, m := range matches {
			fields := tsFields(m[2])
			out = append(out, Contract{
				Topic:      fmt.Sprintf("%s: %s", kind, m[1]),
				Decision:   fmt.Sprintf("%s %s { %s } in %s", strings.ToLower(kind), m[1], strings.Join(fields, "; "), file),
				Reasoning:  "Type shape found after a code edit",
				Confidence: 0.65,
			})
		}
	}
	collect("Interface", tsInterfaceRe.FindAllStringSubmatch(content, -1))
	collect("Type", tsTypeRe.FindAllStringSubmatch(content, -1))
	return out
}

func tsFields(body string) []string {
	var fields []string
	for _, m := range tsFieldRe.FindAllStringSubmatch(body, -1) {
		fields = append(fields, fmt.Sprintf("%s: %s", m[1], strings.TrimSpace(m[2])))
		if len(fields) >= maxInterfaceFields {
			break
		}
	}
	return fields
}

func extractSQLTables(file, content string) []Contract {
	var out []Contract
	for _, m := range sqlCreateRe.FindAllStringSubmatch(content, -1) {
		cols := sqlColumns(m[2])
		out = append(out, Contract{
			Topic:      fmt.Sprintf("Table: %s", m[1]),
			Decision:   fmt.Sprintf("Table %s(%s) defined in %s", m[1], strings.Join(cols, ", "), file),
			Reasoning:  "Schema definition found after a code edit",
			Confidence: 0.75,
		})
	}
	for _, m := range sqlAlterRe.FindAllStringSubmatch(content, -1) {
		out = append(out, Contract{
			Topic:      fmt.Sprintf("Table: %s", m[1]),
			Decision:   fmt.Sprintf("Table %s altered: %s %s in %s", m[1], strings.ToLower(m[2]), m[3], file),
			Reasoning:  "Schema migration found after a code edit",
			Confidence: 0.7,
		})
	}
	return out
}

// sqlColumns pulls column names out of a CREATE TABLE body, skipping
// table-level constraint lines.
func sqlColumns(body string) []string {
	var cols []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ","))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		constraint := false
		for _, prefix := range sqlConstraintPrefixes {
			if strings.HasPrefix(lower, prefix) {
				constraint = true
				break
			}
		}
		if constraint {
			continue
		}
		name := strings.Trim(strings.Fields(line)[0], "`\"")
		cols = append(cols, name)
		if len(cols) >= maxTableColumns {
			break
		}
	}
	return cols
}

func extractGraphQLTypes(file, content string) []Contract {
	var out []Contract
	for _, m := range graphqlTypeRe.FindAllStringSubmatch(content, -1) {
		fields := graphqlFields(m[3])
		out = append(out, Contract{
			Topic:      fmt.Sprintf("GraphQL %s: %s", m[1], m[2]),
			Decision:   fmt.Sprintf("%s %s { %s } in %s", m[1], m[2], strings.Join(fields, ", "), file),
			Reasoning:  "GraphQL schema found after a code edit",
			Confidence: 0.7,
		})
	}
	return out
}

// graphqlFields lists field lines minus comments, capped.
func graphqlFields(body string) []string {
	var fields []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields = append(fields, collapseSpaces(line))
		if len(fields) >= maxGraphQLFields {
			break
		}
	}
	return fields
}

var spaceRunRe = regexp.MustCompile(`\s+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}
