package chmux

import "testing"

func TestSendCreditAccountTryAcquire(t *testing.T) {
	account := newSendCreditAccount(2)
	if !account.tryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !account.tryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if account.tryAcquire() {
		t.Fatal("expected third acquire to fail with no credit remaining")
	}
}

func TestSendCreditAccountReadySignal(t *testing.T) {
	account := newSendCreditAccount(0)
	select {
	case <-account.ready:
		t.Fatal("did not expect ready signal with zero initial credit")
	default:
	}
	account.add(1)
	select {
	case <-account.ready:
	default:
		t.Fatal("expected ready signal once credit becomes available")
	}
	if !account.tryAcquire() {
		t.Fatal("expected acquire to succeed after add")
	}
}

func TestSendCreditAccountAddZeroIsNoop(t *testing.T) {
	account := newSendCreditAccount(0)
	account.add(0)
	if account.tryAcquire() {
		t.Fatal("expected acquire to fail, add(0) must not grant credit")
	}
}

func TestCreditReturnerThreshold(t *testing.T) {
	returner := newCreditReturner(10)
	if returner.hold(4) {
		t.Fatal("did not expect threshold reached at 4/10")
	}
	if !returner.hold(1) {
		t.Fatal("expected threshold reached at 5/10")
	}
	if amount := returner.take(); amount != 5 {
		t.Fatalf("expected take() to return 5, got %d", amount)
	}
	if amount := returner.take(); amount != 0 {
		t.Fatalf("expected take() to return 0 after drain, got %d", amount)
	}
}

func TestCreditReturnerSmallInitialFlushesEveryUnit(t *testing.T) {
	returner := newCreditReturner(1)
	if !returner.hold(1) {
		t.Fatal("expected threshold of 1 to be reached immediately")
	}
}
