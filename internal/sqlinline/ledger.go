package sqlinline

const QEnsureAccount = `--sql 7b63efc3-9a7d-4816-9e95-ce13d91b93ea
insert into accounts (id, credits, created_at, updated_at)
values ($1::text, 0, now(), now())
on conflict (id) do update set
    updated_at = accounts.updated_at
returning id, credits, created_at, updated_at;
`

const QSelectAccountCredits = `--sql fa94537a-822c-4241-b2f0-d0807f3743e2
select credits
from accounts
where id = $1::text
limit 1;
`

// QDecrementCredits only matches when the balance covers the amount, so two
// concurrent reservations can never overdraw an account.
const QDecrementCredits = `--sql 8ca3b0df-697e-4a3b-9093-c883a0758e8f
update accounts
set credits = credits - $2::int,
    updated_at = now()
where id = $1::text
  and credits >= $2::int
returning credits;
`

const QIncrementCredits = `--sql f8410fa9-4d52-4d1c-900b-968f6283fbbc
update accounts
set credits = credits + $2::int,
    updated_at = now()
where id = $1::text
returning credits;
`

const QInsertCreditPurchase = `--sql 023cd585-b92c-41e1-bc45-69b3975bd2e1
insert into credit_purchases (id, account_id, credits, amount_cents, external_payment_ref, status, created_at)
values ($1::uuid, $2::text, $3::int, $4::int, $5::text, $6::text, now())
on conflict (external_payment_ref) do nothing
returning id::text;
`
