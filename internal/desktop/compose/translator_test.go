package compose

import (
	"strings"
	"testing"

	pkgerrors "vdesk/pkg/errors"
)

const testTemplate = `services:
  my_ws:
    image: placeholder
    hostname: desk
    ports:
      - "10000:22"
    environment:
      - TZ=UTC
      - ROOTPASSWORD=changeme
    volumes:
      - /data/shared:/shared
    deploy:
      resources:
        limits:
          cpus: "2"
          memory: 4g
        reservations:
          devices:
            - driver: nvidia
              device_ids: ["0"]
              capabilities: [gpu]
x-custom:
  keep: me
`

func mustParse(t *testing.T, text string) *Document {
	t.Helper()
	doc, err := Parse([]byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func mustDescribe(t *testing.T, tr *Translator, doc *Document) Descriptor {
	t.Helper()
	desc, err := tr.Describe(doc)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	return desc
}

func fixedPassword() (string, error) { return "s3cret", nil }

func newTestTranslator() *Translator {
	tr := NewTranslator()
	tr.PasswordGen = fixedPassword
	return tr
}

func TestParseRejectsNonMapping(t *testing.T) {
	tests := []string{"- a\n- b\n", "just a string\n", "services: [\n"}
	for _, text := range tests {
		if _, err := Parse([]byte(text)); pkgerrors.GetCode(err) != pkgerrors.ConfigCorrupt {
			t.Fatalf("Parse(%q) code = %v, want ConfigCorrupt", text, pkgerrors.GetCode(err))
		}
	}
	doc, err := Parse(nil)
	if err != nil || doc.Root().Len() != 0 {
		t.Fatalf("empty input should give empty document, got err=%v", err)
	}
}

func TestBuild(t *testing.T) {
	tr := newTestTranslator()
	doc, password, err := tr.Build(mustParse(t, testTemplate), CreateSpec{
		Name:   "044123",
		Image:  "registry.local/desk:latest",
		CPUs:   4,
		Memory: "8g",
		GPUs:   []int{},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if password != "s3cret" {
		t.Fatalf("password = %q, want generated", password)
	}

	desc := mustDescribe(t, tr, doc)
	if desc.Port != 44123 {
		t.Fatalf("port = %d, want 44123", desc.Port)
	}
	if desc.Image != "registry.local/desk:latest" || desc.CPUs != "4" || desc.Memory != "8g" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if len(desc.GPUs) != 0 {
		t.Fatalf("gpus = %v, want none", desc.GPUs)
	}
	if desc.RootPassword != "s3cret" {
		t.Fatalf("root password = %q", desc.RootPassword)
	}

	out, err := doc.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	text := string(out)
	for _, want := range []string{"44123:22", "TZ=UTC", "/data/shared:/shared", "keep: me", "hostname: desk"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "reservations") {
		t.Fatalf("empty reservations should be removed:\n%s", text)
	}
	if strings.Count(text, "ROOTPASSWORD") != 1 {
		t.Fatalf("ROOTPASSWORD should appear once:\n%s", text)
	}

	// the template is not modified
	if tmpl := mustDescribe(t, tr, mustParse(t, testTemplate)); tmpl.Port != 10000 {
		t.Fatalf("template port = %d", tmpl.Port)
	}
}

func TestBuildGPUsAndSwap(t *testing.T) {
	tr := newTestTranslator()
	doc, password, err := tr.Build(mustParse(t, testTemplate), CreateSpec{
		Name:         "590001",
		Image:        "desk",
		CPUs:         1,
		Memory:       "2g",
		ShmSize:      "1g",
		GPUs:         []int{1, 3},
		Swap:         "4g",
		RootPassword: "given",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if password != "given" {
		t.Fatalf("password = %q, want given", password)
	}
	desc := mustDescribe(t, tr, doc)
	if desc.Port != 20001 || desc.ShmSize != "1g" || desc.Swap != "4g" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if strings.Join(desc.GPUs, ",") != "1,3" {
		t.Fatalf("gpus = %v, want [1 3]", desc.GPUs)
	}
}

func TestBuildErrors(t *testing.T) {
	tr := newTestTranslator()
	if _, _, err := tr.Build(nil, CreateSpec{Name: "123456"}); pkgerrors.GetCode(err) != pkgerrors.TemplateMissing {
		t.Fatalf("nil template code = %v", pkgerrors.GetCode(err))
	}
	if _, _, err := tr.Build(mustParse(t, testTemplate), CreateSpec{Name: "12ab56"}); pkgerrors.GetCode(err) != pkgerrors.InvalidIdentifier {
		t.Fatalf("bad id code = %v", pkgerrors.GetCode(err))
	}
	if _, _, err := tr.Build(mustParse(t, testTemplate), CreateSpec{Name: "000000"}); pkgerrors.GetCode(err) != pkgerrors.PortOutOfRange {
		t.Fatalf("port zero code = %v", pkgerrors.GetCode(err))
	}
}

func TestBuildLongPortSyntax(t *testing.T) {
	tr := newTestTranslator()
	tmpl := mustParse(t, "services:\n  my_ws:\n    ports:\n      - target: 3389\n        published: 9\n")
	doc, _, err := tr.Build(tmpl, CreateSpec{Name: "123456", Image: "x", CPUs: 1, Memory: "1g"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	out, _ := doc.Bytes()
	if !strings.Contains(string(out), "33456:3389") {
		t.Fatalf("expected long-form container port to be reused:\n%s", out)
	}
}

func TestSplitShortPort(t *testing.T) {
	tests := []struct {
		value     string
		published string
		target    string
	}{
		{"10000:22", "10000", "22"},
		{"8022:22/tcp", "8022", "22"},
		{"127.0.0.1:8022:22", "8022", "22"},
		{"[::1]:8022:4000/udp", "8022", "4000"},
		{"22", "", ""},
	}
	for _, tt := range tests {
		published, target := splitShortPort(tt.value)
		if published != tt.published || target != tt.target {
			t.Errorf("splitShortPort(%q) = %q, %q, want %q, %q", tt.value, published, target, tt.published, tt.target)
		}
	}
}

func TestBuildAddressBoundPort(t *testing.T) {
	tr := newTestTranslator()
	tmpl := mustParse(t, "services:\n  my_ws:\n    ports:\n      - \"127.0.0.1:8022:3389\"\n")
	if desc := mustDescribe(t, tr, tmpl); desc.Port != 8022 {
		t.Fatalf("template port = %d, want 8022", desc.Port)
	}
	doc, _, err := tr.Build(tmpl, CreateSpec{Name: "123456", Image: "x", CPUs: 1, Memory: "1g"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	out, _ := doc.Bytes()
	if !strings.Contains(string(out), "33456:3389") || strings.Contains(string(out), "8022:3389") {
		t.Fatalf("expected container port behind the address to be reused:\n%s", out)
	}
}

func TestMergeMemoryPreservesFields(t *testing.T) {
	tr := newTestTranslator()
	doc := mustParse(t, testTemplate)
	before := mustDescribe(t, tr, doc)

	memory := "16g"
	if err := tr.Merge(doc, Change{Memory: &memory}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	after := mustDescribe(t, tr, doc)
	if after.Memory != "16g" {
		t.Fatalf("memory = %q", after.Memory)
	}
	before.Memory = after.Memory
	if before.Image != after.Image || before.Port != after.Port || before.CPUs != after.CPUs ||
		before.RootPassword != after.RootPassword || strings.Join(before.GPUs, ",") != strings.Join(after.GPUs, ",") {
		t.Fatalf("unrelated fields changed: before=%+v after=%+v", before, after)
	}
	out, _ := doc.Bytes()
	for _, want := range []string{"keep: me", "/data/shared:/shared", "TZ=UTC"} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	empty := ""
	if err := tr.Merge(doc, Change{Memory: &empty}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := mustDescribe(t, tr, doc).Memory; got != "16g" {
		t.Fatalf("empty memory must not overwrite, got %q", got)
	}
}

func TestMergeGPUs(t *testing.T) {
	tr := newTestTranslator()

	t.Run("absent leaves devices", func(t *testing.T) {
		doc := mustParse(t, testTemplate)
		cpus := 8
		if err := tr.Merge(doc, Change{CPUs: &cpus}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		desc := mustDescribe(t, tr, doc)
		if strings.Join(desc.GPUs, ",") != "0" || desc.CPUs != "8" {
			t.Fatalf("unexpected descriptor: %+v", desc)
		}
	})

	t.Run("empty removes devices", func(t *testing.T) {
		doc := mustParse(t, testTemplate)
		none := []int{}
		if err := tr.Merge(doc, Change{GPUs: &none}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if desc := mustDescribe(t, tr, doc); len(desc.GPUs) != 0 {
			t.Fatalf("gpus = %v, want none", desc.GPUs)
		}
		out, _ := doc.Bytes()
		if strings.Contains(string(out), "devices") {
			t.Fatalf("devices should be removed:\n%s", out)
		}
	})

	t.Run("non-empty replaces devices", func(t *testing.T) {
		doc := mustParse(t, testTemplate)
		gpus := []int{2, 5}
		if err := tr.Merge(doc, Change{GPUs: &gpus}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if desc := mustDescribe(t, tr, doc); strings.Join(desc.GPUs, ",") != "2,5" {
			t.Fatalf("gpus = %v", desc.GPUs)
		}
	})
}

func TestMergeShmSize(t *testing.T) {
	tr := newTestTranslator()
	doc := mustParse(t, testTemplate)
	shm := "2g"
	if err := tr.Merge(doc, Change{ShmSize: &shm}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := mustDescribe(t, tr, doc).ShmSize; got != "2g" {
		t.Fatalf("shm = %q", got)
	}
	unset := ""
	if err := tr.Merge(doc, Change{ShmSize: &unset}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	out, _ := doc.Bytes()
	if strings.Contains(string(out), "shm_size") {
		t.Fatalf("shm_size should be removed:\n%s", out)
	}
}

func TestMergeEnvShapes(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
		absent   []string
	}{
		{
			name:     "list upserts in place",
			template: "services:\n  my_ws:\n    environment:\n      - A=1\n      - ROOTPASSWORD=old\n",
			want:     []string{"- A=1", "- ROOTPASSWORD=new", "- SWAP_SIZE=2g"},
			absent:   []string{"ROOTPASSWORD=old"},
		},
		{
			name:     "mapping sets keys",
			template: "services:\n  my_ws:\n    environment:\n      A: \"1\"\n      ROOTPASSWORD: old\n",
			want:     []string{"A: \"1\"", "ROOTPASSWORD: new", "SWAP_SIZE: 2g"},
			absent:   []string{"old"},
		},
		{
			name:     "absent creates mapping",
			template: "services:\n  my_ws:\n    image: x\n",
			want:     []string{"ROOTPASSWORD: new", "SWAP_SIZE: 2g"},
		},
	}

	tr := newTestTranslator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mustParse(t, tt.template)
			password, swap := "new", "2g"
			for i := 0; i < 2; i++ {
				if err := tr.Merge(doc, Change{RootPassword: &password, Swap: &swap}); err != nil {
					t.Fatalf("Merge() error = %v", err)
				}
			}
			out, _ := doc.Bytes()
			text := string(out)
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Fatalf("output missing %q:\n%s", want, text)
				}
			}
			for _, absent := range tt.absent {
				if strings.Contains(text, absent) {
					t.Fatalf("output still contains %q:\n%s", absent, text)
				}
			}
			if strings.Count(text, "ROOTPASSWORD") != 1 || strings.Count(text, "SWAP_SIZE") != 1 {
				t.Fatalf("duplicate env keys:\n%s", text)
			}
		})
	}
}

func TestReadEnvRejectsNested(t *testing.T) {
	doc := mustParse(t, "services:\n  my_ws:\n    environment: 5\n")
	svc, _ := doc.LookupService(DefaultService)
	if _, err := ReadEnv(svc.Get("environment")); pkgerrors.GetCode(err) != pkgerrors.ConfigCorrupt {
		t.Fatalf("code = %v, want ConfigCorrupt", pkgerrors.GetCode(err))
	}
}
