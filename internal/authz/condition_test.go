package authz

import "testing"

func mustCondition(t *testing.T, doc string) Condition {
	t.Helper()
	cond, err := ParseCondition([]byte(doc))
	if err != nil {
		t.Fatalf("parse condition %s: %v", doc, err)
	}
	return cond
}

func TestParseConditionNil(t *testing.T) {
	for _, doc := range []string{"", "null"} {
		cond, err := ParseCondition([]byte(doc))
		if err != nil {
			t.Fatalf("parse %q: %v", doc, err)
		}
		if cond != nil {
			t.Fatalf("expected nil condition for %q", doc)
		}
	}
}

func TestParseConditionRejectsInvalid(t *testing.T) {
	for _, doc := range []string{
		`{"op":"xor","args":[]}`,
		`{"op":"and","args":[]}`,
		`{"op":"not","args":[]}`,
		`{"op":"and","args":[null]}`,
		`{"op":"eq","value":1}`,
		`{not json`,
	} {
		if _, err := ParseCondition([]byte(doc)); err == nil {
			t.Errorf("expected error for %s", doc)
		}
	}
}

func TestComparisonEval(t *testing.T) {
	attrs := map[string]any{
		"amount":   float64(150),
		"region":   "eu",
		"mfa":      true,
		"groups":   []any{"finance", "ops"},
		"pathname": "a/b/c",
	}

	cases := []struct {
		doc  string
		want bool
	}{
		{`{"op":"eq","attr":"region","value":"eu"}`, true},
		{`{"op":"eq","attr":"region","value":"us"}`, false},
		{`{"op":"neq","attr":"region","value":"us"}`, true},
		{`{"op":"eq","attr":"mfa","value":true}`, true},
		{`{"op":"lt","attr":"amount","value":200}`, true},
		{`{"op":"lte","attr":"amount","value":150}`, true},
		{`{"op":"gt","attr":"amount","value":150}`, false},
		{`{"op":"gte","attr":"amount","value":150}`, true},
		{`{"op":"in","attr":"region","value":["us","eu"]}`, true},
		{`{"op":"in","attr":"region","value":["us","apac"]}`, false},
		{`{"op":"contains","attr":"groups","value":"finance"}`, true},
		{`{"op":"contains","attr":"groups","value":"hr"}`, false},
		{`{"op":"contains","attr":"pathname","value":"b/c"}`, true},
		// Unknown attribute is false, never an error.
		{`{"op":"eq","attr":"missing","value":1}`, false},
		{`{"op":"lt","attr":"missing","value":1}`, false},
		// Type mismatch is false.
		{`{"op":"lt","attr":"region","value":5}`, false},
	}
	for _, tc := range cases {
		cond := mustCondition(t, tc.doc)
		if got := cond.Eval(attrs); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.doc, got, tc.want)
		}
	}
}

func TestBooleanComposition(t *testing.T) {
	attrs := map[string]any{"amount": 50, "region": "eu"}

	and := mustCondition(t, `{"op":"and","args":[
		{"op":"eq","attr":"region","value":"eu"},
		{"op":"lt","attr":"amount","value":100}
	]}`)
	if !and.Eval(attrs) {
		t.Fatal("and should hold")
	}

	or := mustCondition(t, `{"op":"or","args":[
		{"op":"eq","attr":"region","value":"us"},
		{"op":"lt","attr":"amount","value":100}
	]}`)
	if !or.Eval(attrs) {
		t.Fatal("or should hold")
	}

	not := mustCondition(t, `{"op":"not","args":[{"op":"eq","attr":"region","value":"us"}]}`)
	if !not.Eval(attrs) {
		t.Fatal("not should hold")
	}

	nested := mustCondition(t, `{"op":"and","args":[
		{"op":"not","args":[{"op":"eq","attr":"region","value":"us"}]},
		{"op":"or","args":[
			{"op":"gt","attr":"amount","value":40},
			{"op":"eq","attr":"region","value":"apac"}
		]}
	]}`)
	if !nested.Eval(attrs) {
		t.Fatal("nested composition should hold")
	}
}

func TestNumericCoercion(t *testing.T) {
	// Context attributes decoded from JSON arrive as float64; policy values
	// authored as integers must still compare equal.
	cond := mustCondition(t, `{"op":"eq","attr":"count","value":3}`)
	if !cond.Eval(map[string]any{"count": float64(3)}) {
		t.Fatal("int/float comparison should hold")
	}
	if !cond.Eval(map[string]any{"count": int64(3)}) {
		t.Fatal("int64 comparison should hold")
	}
}
