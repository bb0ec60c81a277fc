package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selectForm = `<html><body><form>
<select id="gender" onchange="document.body.dataset.changed = this.value">
<option value="">Choose</option>
<option value="f">Female</option>
<option value="m">Male</option>
</select>
<select id="plan"><option>Basic plan</option><option> Pro </option></select>
</form></body></html>`

// localChrome opens a page on a locally installed Chrome, or skips.
func localChrome(t *testing.T, body string) *rodPage {
	t.Helper()
	if testing.Short() {
		t.Skip("needs Chrome")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local Chrome")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	m := NewManager(Config{Bin: bin, NavigationTimeout: 20 * time.Second})
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()
	p, err := m.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Navigate(ctx, srv.URL))
	return p.(*rodPage)
}

func TestFill_SelectMatchesWholeValueOrLabel(t *testing.T) {
	p := localChrome(t, selectForm)
	ctx := context.Background()

	value := func(sel string) bool {
		ok, err := p.Probe(ctx, sel)
		require.NoError(t, err)
		return ok
	}

	// Label match ignores case; "male" must not pick "Female".
	require.NoError(t, p.Fill(ctx, "#gender", "male"))
	assert.True(t, value(`document.querySelector('#gender').value === 'm'`))
	assert.True(t, value(`document.body.dataset.changed === 'm'`))

	require.NoError(t, p.Fill(ctx, "#gender", "female"))
	assert.True(t, value(`document.querySelector('#gender').value === 'f'`))

	require.NoError(t, p.Fill(ctx, "#gender", "M"))
	assert.True(t, value(`document.querySelector('#gender').value === 'm'`))

	require.NoError(t, p.Fill(ctx, "#plan", "pro"))
	assert.True(t, value(`document.querySelector('#plan').value === ' Pro ' || document.querySelector('#plan').value === 'Pro'`))

	assert.Error(t, p.Fill(ctx, "#gender", "fem"))
	assert.Error(t, p.Fill(ctx, "#plan", "Basic"))
}
