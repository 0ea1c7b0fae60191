package broadcast

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/tbourn/campus-market-backend/internal/mail"
)

const subjectPrefix = "Urgent request: "

var textTmpl = texttemplate.Must(texttemplate.New("text").Parse(
	`{{.RequesterName}} needs help urgently.

{{.Title}}

{{.Description}}
{{if .Link}}
Respond here: {{.Link}}
{{end}}
You are receiving this because you have a verified campus account.
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(
	`<p><strong>{{.RequesterName}}</strong> needs help urgently.</p>
<h2>{{.Title}}</h2>
<p>{{.Description}}</p>
{{if .Link}}<p><a href="{{.Link}}">Respond to this request</a></p>{{end}}
<p style="color:#888">You are receiving this because you have a verified campus account.</p>
`))

type emailView struct {
	RequesterName string
	Title         string
	Description   string
	Link          string
}

// rendered holds the subject and bodies shared by every recipient of one
// broadcast. Per-recipient messages only differ in To.
type rendered struct {
	subject string
	text    string
	html    string
}

func renderTemplate(p Payload, baseURL string) (rendered, error) {
	v := emailView{
		RequesterName: p.RequesterName,
		Title:         p.Title,
		Description:   p.Description,
	}
	if v.RequesterName == "" {
		v.RequesterName = "A fellow student"
	}
	if baseURL != "" {
		v.Link = strings.TrimRight(baseURL, "/") + "/requests/" + p.RequestID
	}
	var tb, hb bytes.Buffer
	if err := textTmpl.Execute(&tb, v); err != nil {
		return rendered{}, err
	}
	if err := htmlTmpl.Execute(&hb, v); err != nil {
		return rendered{}, err
	}
	return rendered{subject: subjectPrefix + p.Title, text: tb.String(), html: hb.String()}, nil
}

func (t rendered) to(addr string) mail.Message {
	return mail.Message{To: addr, Subject: t.subject, Text: t.text, HTML: t.html}
}
