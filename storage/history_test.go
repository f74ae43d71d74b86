package storage

import "testing"

func TestRecordAndListTransfers(t *testing.T) {
	store := newTestStore(t)

	records := []TransferRecord{
		{SessionID: "s1", PeerID: "peer-a", Direction: DirectionDownload, Modpack: "pack", Status: TransferStatusCompleted, FilesDone: 3, FilesTotal: 3, BytesDone: 30, BytesTotal: 30, StartedAt: 100, FinishedAt: 200},
		{SessionID: "s2", PeerID: "peer-a", Direction: DirectionUpload, Modpack: "pack", Status: TransferStatusFailed, FilesDone: 1, FilesTotal: 2, Error: "1 files failed", StartedAt: 300, FinishedAt: 400},
		{SessionID: "s3", PeerID: "peer-b", Direction: DirectionDownload, Status: TransferStatusCancelled, StartedAt: 500, FinishedAt: 600},
	}
	for _, r := range records {
		if err := store.RecordTransfer(r); err != nil {
			t.Fatalf("RecordTransfer %s failed: %v", r.SessionID, err)
		}
	}

	all, err := store.ListTransfers(TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "s3" || all[2].SessionID != "s1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	peerA, err := store.ListTransfers(TransferFilter{PeerID: "peer-a", Direction: DirectionUpload})
	if err != nil {
		t.Fatalf("ListTransfers filtered failed: %v", err)
	}
	if len(peerA) != 1 || peerA[0].Error != "1 files failed" {
		t.Fatalf("unexpected filtered transfers %+v", peerA)
	}
}

func TestRecordTransferValidates(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordTransfer(TransferRecord{SessionID: "s", PeerID: "p", Direction: "sideways", Status: TransferStatusCompleted}); err == nil {
		t.Fatalf("expected invalid direction to fail")
	}
	if err := store.RecordTransfer(TransferRecord{SessionID: "s", PeerID: "p", Direction: DirectionUpload, Status: "running"}); err == nil {
		t.Fatalf("expected non-terminal status to fail")
	}
	if _, err := store.ListTransfers(TransferFilter{Direction: "sideways"}); err == nil {
		t.Fatalf("expected invalid filter direction to fail")
	}
}
