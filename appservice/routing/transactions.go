// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"sync"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
)

// TransactionProcessor consumes parsed appservice transactions.
type TransactionProcessor interface {
	Process(ctx context.Context, txn *crypto.Transaction)
}

// TransactionWorker processes transactions one at a time in the order the
// homeserver delivered them. To-device messages in a later transaction
// may depend on keys from an earlier one.
type TransactionWorker struct {
	processor TransactionProcessor
	txns      chan *crypto.Transaction
	pending   sync.WaitGroup
}

func NewTransactionWorker(processCtx *process.ProcessContext, processor TransactionProcessor, buffer int) *TransactionWorker {
	w := &TransactionWorker{
		processor: processor,
		txns:      make(chan *crypto.Transaction, buffer),
	}
	processCtx.Go("appservice.transactions", w.run)
	return w
}

func (w *TransactionWorker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case txn := <-w.txns:
			w.process(ctx, txn)
		}
	}
}

func (w *TransactionWorker) process(ctx context.Context, txn *crypto.Transaction) {
	defer w.pending.Done()
	start := time.Now()
	w.processor.Process(ctx, txn)
	transactionDuration.Observe(time.Since(start).Seconds())
}

// Submit hands txn to the worker, waiting for room in the buffer if the
// worker is behind.
func (w *TransactionWorker) Submit(ctx context.Context, txn *crypto.Transaction) error {
	w.pending.Add(1)
	select {
	case w.txns <- txn:
		return nil
	case <-ctx.Done():
		w.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every submitted transaction has been processed.
func (w *TransactionWorker) Wait() {
	w.pending.Wait()
}
