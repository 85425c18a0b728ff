// Package journal keeps LSP orders in Postgres from the moment they are
// created until the LSP reports them settled.
package journal

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/the-lightning-land/overflowd/odb"
)

const (
	statusCreated = "created"
	statusPaid    = "paid"
	statusFailed  = "failed"
	statusSettled = "settled"
)

type Journal struct {
	db *pgxpool.Pool
}

// Open connects to the database and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Errorf("Could not connect to journal database: %v", err)
	}

	journal := New(pool)

	if err := journal.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return journal, nil
}

func New(pool *pgxpool.Pool) *Journal {
	return &Journal{db: pool}
}

func (j *Journal) Close() {
	j.db.Close()
}

func (j *Journal) EnsureSchema(ctx context.Context) error {
	_, err := j.db.Exec(ctx, `
create table if not exists lsp_orders (
  order_id text primary key,
  lsp_node text not null default '',
  channel_size bigint not null,
  order_total bigint not null,
  fee_total bigint not null default 0,
  payment_request text not null,
  status text not null check (status in ('created','paid','failed','settled')),
  order_state text not null default '',
  preimage text not null default '',
  reason text not null default '',
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);

create index if not exists lsp_orders_status_idx on lsp_orders (status);
`)
	if err != nil {
		return errors.Errorf("Could not create journal schema: %v", err)
	}

	return nil
}

func (j *Journal) Record(ctx context.Context, order *odb.LspOrder) error {
	_, err := j.db.Exec(ctx, `
insert into lsp_orders (order_id, lsp_node, channel_size, order_total, fee_total, payment_request, status, order_state)
values ($1, $2, $3, $4, $5, $6, $7, $8)
`, order.OrderID, string(order.LspNode), int64(order.ChannelSize), int64(order.OrderTotal), int64(order.FeeTotal),
		order.PaymentRequest, statusCreated, string(order.State))
	if err != nil {
		return errors.Errorf("Could not record order %v: %v", order.OrderID, err)
	}

	return nil
}

func (j *Journal) MarkPaid(ctx context.Context, orderId string, preimage string) error {
	return j.update(ctx, orderId, `
update lsp_orders set status = $2, preimage = $3, updated_at = now() where order_id = $1
`, statusPaid, preimage)
}

func (j *Journal) MarkFailed(ctx context.Context, orderId string, reason string) error {
	return j.update(ctx, orderId, `
update lsp_orders set status = $2, reason = $3, updated_at = now() where order_id = $1
`, statusFailed, reason)
}

func (j *Journal) MarkSettled(ctx context.Context, orderId string, state odb.OrderState) error {
	return j.update(ctx, orderId, `
update lsp_orders set status = $2, order_state = $3, updated_at = now() where order_id = $1
`, statusSettled, string(state))
}

func (j *Journal) update(ctx context.Context, orderId string, query string, args ...interface{}) error {
	tag, err := j.db.Exec(ctx, query, append([]interface{}{orderId}, args...)...)
	if err != nil {
		return errors.Errorf("Could not update order %v: %v", orderId, err)
	}

	if tag.RowsAffected() == 0 {
		return errors.Errorf("Order %v is not journaled", orderId)
	}

	return nil
}

// Unsettled lists created and paid orders, oldest first.
func (j *Journal) Unsettled(ctx context.Context) ([]*odb.LspOrder, error) {
	rows, err := j.db.Query(ctx, `
select order_id, lsp_node, channel_size, order_total, fee_total, payment_request, order_state
from lsp_orders
where status in ($1, $2)
order by created_at asc
`, statusCreated, statusPaid)
	if err != nil {
		return nil, errors.Errorf("Could not list orders: %v", err)
	}
	defer rows.Close()

	var orders []*odb.LspOrder

	for rows.Next() {
		var (
			order                        odb.LspOrder
			lspNode, state               string
			channelSize, total, feeTotal int64
		)

		err := rows.Scan(&order.OrderID, &lspNode, &channelSize, &total, &feeTotal, &order.PaymentRequest, &state)
		if err != nil {
			return nil, errors.Errorf("Could not read order: %v", err)
		}

		order.LspNode = odb.PubKey(lspNode)
		order.ChannelSize = btcutil.Amount(channelSize)
		order.OrderTotal = btcutil.Amount(total)
		order.FeeTotal = btcutil.Amount(feeTotal)
		order.State = odb.OrderState(state)

		orders = append(orders, &order)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("Could not list orders: %v", err)
	}

	return orders, nil
}
