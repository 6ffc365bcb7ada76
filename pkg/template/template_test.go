package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleToken(t *testing.T) {
	data := map[string]any{
		"guest_name": "Alex",
		"age":        30,
		"active":     true,
	}

	result, err := Render("{{guest_name}}", data)
	require.NoError(t, err)
	assert.Equal(t, "Alex", result)

	// Whole-value placeholders keep the resolved type.
	result, err = Render("{{age}}", data)
	require.NoError(t, err)
	assert.Equal(t, 30, result)

	result, err = Render("{{active}}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestRender_Interpolation(t *testing.T) {
	data := map[string]any{
		"guest_name": "Alex",
		"listing":    "Sea Loft",
	}

	result, err := Render("Hi {{guest_name}}, your proposal for {{ listing }} was accepted", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alex, your proposal for Sea Loft was accepted", result)
}

func TestRender_DottedPath(t *testing.T) {
	data := map[string]any{
		"send_email": map[string]any{
			"message_id": "msg-42",
			"status":     float64(200),
		},
	}

	result, err := Render("{{send_email.message_id}}", data)
	require.NoError(t, err)
	assert.Equal(t, "msg-42", result)

	result, err = Render("delivered as {{send_email.status}}", data)
	require.NoError(t, err)
	assert.Equal(t, "delivered as 200", result)
}

func TestRender_SourcePrecedence(t *testing.T) {
	input := map[string]any{"guest_name": "Alex"}
	context := map[string]any{"guest_name": "Blake", "listing": "Sea Loft"}

	// Earlier sources win; later sources fill the gaps.
	result, err := Render("{{guest_name}} / {{listing}}", input, context)
	require.NoError(t, err)
	assert.Equal(t, "Alex / Sea Loft", result)
}

func TestRender_UnresolvedToken(t *testing.T) {
	_, err := Render("{{missing}}", map[string]any{"guest_name": "Alex"})
	require.Error(t, err)

	var unresolved *UnresolvedTokenError

	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "missing", unresolved.Token)
}

func TestRender_NoPlaceholders(t *testing.T) {
	result, err := Render("plain text", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", result)
}

func TestRenderMap(t *testing.T) {
	templates := map[string]string{
		"to":          "{{guest_email}}",
		"subject":     "Welcome {{guest_name}}",
		"template_id": "t1",
	}

	data := map[string]any{
		"guest_email": "a@b.com",
		"guest_name":  "Alex",
	}

	rendered, err := RenderMap(templates, data)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", rendered["to"])
	assert.Equal(t, "Welcome Alex", rendered["subject"])
	assert.Equal(t, "t1", rendered["template_id"])
}

func TestRenderMap_FailsOnFirstUnresolved(t *testing.T) {
	templates := map[string]string{
		"to": "{{guest_email}}",
	}

	_, err := RenderMap(templates, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guest_email")
}

func TestPlaceholders(t *testing.T) {
	tokens := Placeholders("{{a}} {{b.c}} {{a}} plain")
	assert.Equal(t, []string{"a", "b.c"}, tokens)

	assert.Empty(t, Placeholders("no tokens here"))
}
