package relay

import (
	"html/template"
	"net/http"
)

type loginData struct {
	CSRFToken string
	Error     string
}

// LoginPage renders the relay's sign-in form.
type LoginPage struct {
	tmpl *template.Template
}

func NewLoginPage() *LoginPage {
	return &LoginPage{tmpl: template.Must(template.New("login").Parse(loginHTML))}
}

func (lp *LoginPage) Render(w http.ResponseWriter, csrfToken, errorMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	lp.tmpl.Execute(w, loginData{CSRFToken: csrfToken, Error: errorMsg})
}

const loginHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>periscope relay</title>
<style>
  body {
    margin: 0; min-height: 100vh;
    display: grid; place-items: center;
    background: #101418; color: #c9d4dc;
    font-family: ui-monospace, "SF Mono", Menlo, Consolas, monospace;
    font-size: 14px; line-height: 1.4;
  }
  main { width: min(26rem, 90vw); }
  header { color: #5fb3b3; margin-bottom: 0.5rem; }
  .hint { color: #56636d; margin: 0 0 1.5rem; }
  form { border-left: 2px solid #2f3a42; padding-left: 1rem; }
  .field { display: block; margin-bottom: 1rem; }
  .field span { display: block; color: #56636d; margin-bottom: 0.25rem; }
  .field span::before { content: "$ "; color: #5fb3b3; }
  input {
    width: 100%; box-sizing: border-box; padding: 0.5rem;
    background: #181e24; color: #c9d4dc;
    border: 1px solid #2f3a42; border-radius: 3px;
    font: inherit;
  }
  input:focus { outline: none; border-color: #5fb3b3; }
  button {
    padding: 0.5rem 1.25rem; margin-top: 0.25rem;
    background: #1d4d4d; color: #c9d4dc;
    border: 1px solid #5fb3b3; border-radius: 3px;
    font: inherit; cursor: pointer;
  }
  button:hover { background: #225c5c; }
  .fail { color: #d98080; margin: 0 0 1rem; }
  .fail::before { content: "! "; }
</style>
</head>
<body>
<main>
  <header>periscope relay</header>
  <p class="hint">This relay forwards to a private terminal host. Sign in to continue.</p>
  {{if .Error}}<p class="fail">{{.Error}}</p>{{end}}
  <form method="POST" action="/auth/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label class="field"><span>username</span>
      <input type="text" name="username" autocomplete="username" required autofocus>
    </label>
    <label class="field"><span>password</span>
      <input type="password" name="password" autocomplete="current-password" required>
    </label>
    <button type="submit">connect</button>
  </form>
</main>
</body>
</html>`
