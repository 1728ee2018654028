package app

import "github.com/dkeye/Calls/internal/domain"

type BusyAction int

const (
	RejectBusy BusyAction = iota
	IgnoreBusy
)

func (a BusyAction) String() string {
	if a == IgnoreBusy {
		return "ignore"
	}
	return "reject"
}

// Policy decides what happens to an invite that arrives while a call is active.
type Policy interface {
	OnBusy(current domain.CallSession, incoming domain.Invite) BusyAction
}

type SimplePolicy struct {
	Action BusyAction
}

func (p SimplePolicy) OnBusy(domain.CallSession, domain.Invite) BusyAction {
	return p.Action
}

// PolicyFromName maps the configured busy policy; unknown names reject.
func PolicyFromName(name string) Policy {
	if name == "ignore" {
		return SimplePolicy{Action: IgnoreBusy}
	}
	return SimplePolicy{Action: RejectBusy}
}
