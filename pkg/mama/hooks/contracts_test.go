package hooks

import (
	"strings"
	"testing"
)

func topicsOf(contracts []Contract) []string {
	out := make([]string, len(contracts))
	for i, c := range contracts {
		out[i] = c.Topic
	}
	return out
}

func TestExtractExpressRoutes(t *testing.T) {
	t.Parallel()
	content := `
const app = express();
app.get('/users', listUsers);
router.post("/users/:id/activate", activateUser);
app.use(middleware);
`
	got := ExtractContracts("server.js", content)
	want := []string{
		"API endpoint: GET /users",
		"API endpoint: POST /users/:id/activate",
	}
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", topicsOf(got), want)
	}
	for i, c := range got {
		if c.Topic != want[i] {
			t.Errorf("topic %d = %q, want %q", i, c.Topic, want[i])
		}
		if !strings.Contains(c.Decision, "server.js") {
			t.Errorf("decision %q should name the file", c.Decision)
		}
	}
}

func TestExtractSpringRoutes(t *testing.T) {
	t.Parallel()
	content := `
@RestController
public class ItemController {
    @GetMapping("/api/v1/items")
    public List<Item> list() { return svc.all(); }

    @RequestMapping(value = "/legacy")
    public String legacy() { return "ok"; }
}
`
	got := ExtractContracts("ItemController.java", content)
	if len(got) != 2 {
		t.Fatalf("got %d contracts, want 2: %v", len(got), topicsOf(got))
	}
	if got[0].Topic != "API endpoint: GET /api/v1/items" {
		t.Errorf("topic = %q", got[0].Topic)
	}
	if got[1].Topic != "API endpoint: ANY /legacy" {
		t.Errorf("topic = %q", got[1].Topic)
	}
}

func TestExtractFunctionSignatures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		content string
		topic   string
		decided string
	}{
		{
			name:    "js function",
			file:    "util.js",
			content: "export async function fetchUser(id, opts) {\n}",
			topic:   "Function: fetchUser in util.js",
			decided: "fetchUser(id, opts)",
		},
		{
			name:    "js arrow",
			file:    "util.js",
			content: "export const sum = (a, b) => a + b;\n",
			topic:   "Function: sum in util.js",
			decided: "sum(a, b)",
		},
		{
			name:    "python with hints",
			file:    "svc.py",
			content: "def charge(amount: int, currency: str) -> bool:\n    return True\n",
			topic:   "Function: charge in svc.py",
			decided: "charge(amount: int, currency: str) -> bool",
		},
		{
			name:    "go method",
			file:    "store.go",
			content: "func (s *Store) Save(ctx context.Context, d Decision) (int64, error) {\n}\n",
			topic:   "Function: Save in store.go",
			decided: "Save(ctx context.Context, d Decision)",
		},
		{
			name:    "rust pub async fn",
			file:    "client.rs",
			content: "pub async fn fetch(url: &str) -> Result<String> {\n}\n",
			topic:   "Function: fetch in client.rs",
			decided: "fetch(url: &str)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractContracts(tt.file, tt.content)
			if len(got) != 1 {
				t.Fatalf("got %d contracts, want 1: %v", len(got), topicsOf(got))
			}
			if got[0].Topic != tt.topic {
				t.Errorf("topic = %q, want %q", got[0].Topic, tt.topic)
			}
			if !strings.Contains(got[0].Decision, tt.decided) {
				t.Errorf("decision = %q, want it to contain %q", got[0].Decision, tt.decided)
			}
		})
	}
}

func TestExtractPythonRequiresTypeHints(t *testing.T) {
	t.Parallel()
	got := ExtractContracts("plain.py", "def helper(a, b):\n    pass\n")
	if len(got) != 0 {
		t.Errorf("unhinted def should not produce contracts, got %v", topicsOf(got))
	}
}

func TestExtractTSInterfaceCapsFields(t *testing.T) {
	t.Parallel()
	content := `
export interface User {
  id: number;
  name: string;
  email: string;
  role: string;
  createdAt: Date;
  updatedAt: Date;
  deletedAt?: Date;
}
`
	got := ExtractContracts("types.ts", content)
	if len(got) != 1 {
		t.Fatalf("got %d contracts, want 1", len(got))
	}
	if got[0].Topic != "Interface: User" {
		t.Errorf("topic = %q", got[0].Topic)
	}
	if strings.Contains(got[0].Decision, "updatedAt") {
		t.Errorf("decision should cap at %d fields: %q", maxInterfaceFields, got[0].Decision)
	}
	if !strings.Contains(got[0].Decision, "createdAt: Date") {
		t.Errorf("decision missing fifth field: %q", got[0].Decision)
	}
}

func TestExtractTSTypeAlias(t *testing.T) {
	t.Parallel()
	content := "type Point = {\n  x: number;\n  y: number;\n}\n"
	got := ExtractContracts("geo.ts", content)
	if len(got) != 1 || got[0].Topic != "Type: Point" {
		t.Fatalf("contracts = %v, want [Type: Point]", topicsOf(got))
	}
}

func TestExtractSQLCreateTable(t *testing.T) {
	t.Parallel()
	content := `
CREATE TABLE IF NOT EXISTS orders (
    id INTEGER NOT NULL,
    customer_id INTEGER,
    total DECIMAL(10,2),
    PRIMARY KEY (id),
    FOREIGN KEY (customer_id) REFERENCES customers(id)
);
`
	got := ExtractContracts("schema.sql", content)
	if len(got) != 1 {
		t.Fatalf("got %d contracts, want 1: %v", len(got), topicsOf(got))
	}
	if got[0].Topic != "Table: orders" {
		t.Errorf("topic = %q", got[0].Topic)
	}
	for _, col := range []string{"id", "customer_id", "total"} {
		if !strings.Contains(got[0].Decision, col) {
			t.Errorf("decision missing column %q: %q", col, got[0].Decision)
		}
	}
	if strings.Contains(got[0].Decision, "PRIMARY") || strings.Contains(got[0].Decision, "FOREIGN") {
		t.Errorf("constraint lines should be filtered: %q", got[0].Decision)
	}
}

func TestExtractSQLColumnCap(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	b.WriteString("CREATE TABLE wide (\n")
	for i := 1; i <= 14; i++ {
		if i > 1 {
			b.WriteString(",\n")
		}
		b.WriteString("  col")
		b.WriteByte(byte('0' + i/10))
		b.WriteByte(byte('0' + i%10))
		b.WriteString(" TEXT")
	}
	b.WriteString("\n);\n")

	got := ExtractContracts("wide.sql", b.String())
	if len(got) != 1 {
		t.Fatalf("got %d contracts, want 1", len(got))
	}
	if strings.Contains(got[0].Decision, "col11") {
		t.Errorf("columns should cap at %d: %q", maxTableColumns, got[0].Decision)
	}
	if !strings.Contains(got[0].Decision, "col10") {
		t.Errorf("decision missing tenth column: %q", got[0].Decision)
	}
}

func TestExtractSQLAlterTable(t *testing.T) {
	t.Parallel()
	got := ExtractContracts("mig.sql", "ALTER TABLE users ADD COLUMN last_seen TIMESTAMP;\n")
	if len(got) != 1 {
		t.Fatalf("got %d contracts, want 1", len(got))
	}
	if got[0].Topic != "Table: users" || !strings.Contains(got[0].Decision, "add last_seen") {
		t.Errorf("contract = %+v", got[0])
	}
}

func TestExtractGraphQLTypes(t *testing.T) {
	t.Parallel()
	content := `
# user schema
type User {
  # internal id
  id: ID!
  name: String!
  posts: [Post!]!
}

enum Role {
  ADMIN
  MEMBER
}
`
	got := ExtractContracts("schema.graphql", content)
	if len(got) != 2 {
		t.Fatalf("got %d contracts, want 2: %v", len(got), topicsOf(got))
	}
	if got[0].Topic != "GraphQL type: User" {
		t.Errorf("topic = %q", got[0].Topic)
	}
	if strings.Contains(got[0].Decision, "internal id") {
		t.Errorf("comments should be filtered: %q", got[0].Decision)
	}
	if got[1].Topic != "GraphQL enum: Role" || !strings.Contains(got[1].Decision, "ADMIN") {
		t.Errorf("contract = %+v", got[1])
	}
}

func TestExtractDispatchesByExtension(t *testing.T) {
	t.Parallel()
	goContent := "func Handler(w http.ResponseWriter, r *http.Request) {\n}\n"
	if got := ExtractContracts("handler.py", goContent); len(got) != 0 {
		t.Errorf("go source in a .py file should extract nothing, got %v", topicsOf(got))
	}
	if got := ExtractContracts("notes.txt", goContent); len(got) != 0 {
		t.Errorf("unknown extension should extract nothing, got %v", topicsOf(got))
	}
}

func TestIsLowPriorityPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want bool
	}{
		{"src/server.ts", false},
		{"docs/api.ts", true},
		{"src/docs/api.ts", true},
		{"pkg/store/store.go", false},
		{"src/user.test.ts", true},
		{"src/user.spec.js", true},
		{"tests/integration.py", true},
		{"examples/demo.go", true},
		{"node_modules/lodash/index.js", true},
		{"app/node_modules/x/y.js", true},
		{".env.local", true},
		{"README.md", true},
		{"config.yaml", true},
		{"package.json", true},
		{"schema.sql", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := IsLowPriorityPath(tt.path); got != tt.want {
			t.Errorf("IsLowPriorityPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIsEditTool(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"Write", "Edit", "write_file", "apply_patch", "test", "build"} {
		if !IsEditTool(name) {
			t.Errorf("IsEditTool(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"Read", "Bash", "mama_save", "Grep"} {
		if IsEditTool(name) {
			t.Errorf("IsEditTool(%q) = true, want false", name)
		}
	}
}
