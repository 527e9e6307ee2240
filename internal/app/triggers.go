package app

import (
	"encoding/json"
	"slices"
	"unicode/utf8"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/config"
	"github.com/dshills/coedit/internal/lsp"
	"github.com/dshills/coedit/internal/proxy"
	"github.com/dshills/coedit/internal/session"
)

// maybeTriggerOnChar fires completion or on-type formatting when an
// insertion ends in one of the language's advertised trigger characters.
// Remote edits count too: the request runs on behalf of the editing
// replica and the committed result reaches every observer of the buffer.
func (a *App) maybeTriggerOnChar(sb *session.SharedBuffer, ev buffer.Event) {
	if a.registry == nil || a.proxy == nil || len(ev.Results) == 0 {
		return
	}
	last := ev.Edits[len(ev.Edits)-1]
	if last.NewText == "" {
		return
	}
	r, size := utf8.DecodeLastRuneInString(last.NewText)
	if size == 0 {
		return
	}
	ch := string(r)

	completionChars, formatChars := a.registry.TriggerCharactersFor(sb.Language())
	wantCompletion := slices.Contains(completionChars, ch)
	wantFormat := slices.Contains(formatChars, ch)
	if !wantCompletion && !wantFormat {
		return
	}

	id := sb.Buffer().ID()
	pt := sb.Buffer().Snapshot().OffsetToPointUTF16(ev.Results[len(ev.Results)-1].NewRange.End)
	pos := lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.FilePathToURI(sb.Path())},
		Position:     lsp.Position{Line: int(pt.Line), Character: int(pt.Column)},
	}

	if wantCompletion {
		params, err := json.Marshal(lsp.CompletionParams{
			TextDocumentPositionParams: pos,
			Context: &lsp.CompletionContext{
				TriggerKind:      lsp.CompletionTriggerCharacter,
				TriggerCharacter: ch,
			},
		})
		if err == nil {
			a.proxy.Trigger(proxy.Key{Buffer: id, Kind: proxy.KindCompletion}, ev.Origin, params)
		}
	}
	if wantFormat {
		ec := a.session.EditorConfig()
		params, err := json.Marshal(lsp.DocumentOnTypeFormattingParams{
			TextDocumentPositionParams: pos,
			Ch:                         ch,
			Options: lsp.FormattingOptions{
				TabSize:      ec.TabWidth,
				InsertSpaces: ec.IndentStyle == config.IndentSpaces,
			},
		})
		if err == nil {
			a.proxy.Trigger(proxy.Key{Buffer: id, Kind: proxy.KindOnTypeFormatting}, ev.Origin, params)
		}
	}
}
