package schema

import "testing"

func TestScopeVersionFindsScopeService(t *testing.T) {
	t.Parallel()

	payload := []byte(`[0,0,0,0,0,[["log","2.0"],["scope","1.3"]]]`)
	major, minor, err := scopeVersion(payload)
	if err != nil {
		t.Fatal(err)
	}
	if major != 1 || minor != 3 {
		t.Fatalf("got %d.%d, want 1.3", major, minor)
	}
}

func TestScopeVersionMissingServiceErrors(t *testing.T) {
	t.Parallel()

	if _, _, err := scopeVersion([]byte(`[0,0,0,0,0,[["log","2.0"]]]`)); err == nil {
		t.Fatal("expected error when scope service is absent")
	}
}

func TestParseEnumInfoBuildsOrderedLabels(t *testing.T) {
	t.Parallel()

	payload := []byte(`[[[7,"Color",[["red",0],["blue",2],["green",1]]]]]`)
	enums, err := parseEnumInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(enums) != 1 {
		t.Fatalf("got %d enums, want 1", len(enums))
	}
	want := []string{"red", "green", "blue"}
	for i, w := range want {
		if enums[0].labels[i] != w {
			t.Fatalf("labels[%d] = %q, want %q", i, enums[0].labels[i], w)
		}
	}
}

func TestResolveSimpleCommand(t *testing.T) {
	t.Parallel()

	commandInfo := []byte(`[[["ping",1,100,101]]]`)
	messageInfo := []byte(`[[[100,"PingRequest",[["value",2,1]]],[101,"PingResponse",[["ok",9,1]]]]]`)

	sc, err := Resolve("echo", commandInfo, messageInfo, nil)
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := sc.Commands[1]
	if !ok {
		t.Fatal("expected command number 1")
	}
	if cmd.Name != "ping" {
		t.Fatalf("name = %q", cmd.Name)
	}
	if len(cmd.Command) != 1 || cmd.Command[0].Name != "value" {
		t.Fatalf("command fields = %+v", cmd.Command)
	}
	if len(cmd.Response) != 1 || cmd.Response[0].Name != "ok" {
		t.Fatalf("response fields = %+v", cmd.Response)
	}
}

func TestResolveEventRegistersUnderItsOwnCommandNumber(t *testing.T) {
	t.Parallel()

	commandInfo := []byte(`[[],[["changed",9,200]]]`)
	messageInfo := []byte(`[[[200,"Changed",[["field",2,1]]]]]`)

	sc, err := Resolve("dom", commandInfo, messageInfo, nil)
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := sc.Commands[9]
	if !ok {
		t.Fatal("expected event registered under command number 9")
	}
	if cmd.Name != "changed" {
		t.Fatalf("name = %q", cmd.Name)
	}
	if len(cmd.Event) != 1 || cmd.Event[0].Name != "field" {
		t.Fatalf("event fields = %+v", cmd.Event)
	}
}

func TestResolveSelfReferentialMessageTerminatesWithRecursiveMarker(t *testing.T) {
	t.Parallel()

	commandInfo := []byte(`[[["self",5,1,1]]]`)
	// Message 1 ("Node") has a field "child" whose submessage is itself.
	messageInfo := []byte(`[[[1,"Node",[["child",9,1,0,1]]]]]`)

	sc, err := Resolve("tree", commandInfo, messageInfo, nil)
	if err != nil {
		t.Fatal(err)
	}
	cmd := sc.Commands[5]
	if len(cmd.Command) != 1 {
		t.Fatalf("top fields = %+v", cmd.Command)
	}
	top := cmd.Command[0]
	if top.Name != "child" || top.Recursive != "" {
		t.Fatalf("top field = %+v", top)
	}
	if len(top.Message) != 1 {
		t.Fatalf("nested fields = %+v", top.Message)
	}
	nested := top.Message[0]
	if nested.Recursive != "child" {
		t.Fatalf("expected recursive marker, got %+v", nested)
	}
	if nested.Message != nil {
		t.Fatal("expected resolution to stop at the recursive marker")
	}
}

func TestResolveFieldWithEnum(t *testing.T) {
	t.Parallel()

	commandInfo := []byte(`[[["setColor",1,300,301]]]`)
	messageInfo := []byte(`[[[300,"SetColorReq",[["color",5,1,0,0,9]]],[301,"SetColorResp",[]]]]`)
	enumInfo := []byte(`[[[9,"Color",[["red",0],["blue",1]]]]]`)

	sc, err := Resolve("paint", commandInfo, messageInfo, enumInfo)
	if err != nil {
		t.Fatal(err)
	}
	field := sc.Commands[1].Command[0]
	if field.EnumName != "Color" {
		t.Fatalf("enum name = %q", field.EnumName)
	}
	if len(field.Enum) != 2 || field.Enum[0] != "red" || field.Enum[1] != "blue" {
		t.Fatalf("enum labels = %v", field.Enum)
	}
}
