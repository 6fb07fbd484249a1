package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

var resetText = texttemplate.Must(texttemplate.New("reset.txt").Parse(`Someone asked to reset the password for your account.

Open the link below to choose a new password:

{{.Link}}

If you did not ask for this, you can ignore this message.
`))

var resetHTML = htmltemplate.Must(htmltemplate.New("reset.html").Parse(`<p>Someone asked to reset the password for your account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>If you did not ask for this, you can ignore this message.</p>
`))

// renderReset は再設定メールのテキスト本文とHTML本文を生成する。
func renderReset(link string) (text, html string, err error) {
	data := struct{ Link string }{Link: link}

	var tb, hb bytes.Buffer
	if err := resetText.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render reset text: %w", err)
	}
	if err := resetHTML.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render reset html: %w", err)
	}
	return tb.String(), hb.String(), nil
}
