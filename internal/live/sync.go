package live

import (
	"encoding/json"

	"github.com/prepmate/liveroom/internal/store"
)

// pendingState buffers live updates that are newer than the durable record.
// It is mutated in place so the flush timer always observes the most recent
// values when it fires.
type pendingState struct {
	scene    Scene
	sceneSet bool

	code    string
	codeSet bool

	language    string
	languageSet bool

	question    *string
	questionSet bool
}

func (p *pendingState) dirty() bool {
	return p.sceneSet || p.codeSet || p.languageSet || p.questionSet
}

func (p *pendingState) setScene(scene Scene) {
	p.scene = scene
	p.sceneSet = true
}

func (p *pendingState) setCode(code string) {
	p.code = code
	p.codeSet = true
}

func (p *pendingState) setLanguage(language string) {
	p.language = language
	p.languageSet = true
}

func (p *pendingState) setQuestion(link *string) {
	p.question = link
	p.questionSet = true
}

// toUpdate converts the buffer into a single durable write covering exactly
// the fields touched since the last flush.
func (p *pendingState) toUpdate() store.StateUpdate {
	var update store.StateUpdate

	if p.sceneSet {
		if raw, err := json.Marshal(p.scene); err == nil {
			update.Scene = raw
		}
	}
	if p.codeSet {
		code := p.code
		update.Code = &code
	}
	if p.languageSet {
		language := p.language
		update.Language = &language
	}
	if p.questionSet {
		update.QuestionSet = true
		update.Question = p.question
	}

	return update
}

func (p *pendingState) clear() {
	*p = pendingState{}
}
