package sqlinline

// ChannelGenerationTasks is the NOTIFY channel that wakes idle workers.
const ChannelGenerationTasks = "generation_tasks"

const QEnqueueGenerationTask = `--sql ae280aab-da31-4550-a91d-8d457124848b
with queued as (
    insert into generation_tasks (job_id, available_at, leased_until, attempts, created_at)
    values ($1::uuid, now(), null, 0, now())
    on conflict (job_id) do update set
        available_at = now(),
        leased_until = null
    returning job_id
)
select pg_notify('generation_tasks', job_id::text)
from queued;
`

const QClaimGenerationTask = `--sql 5a74e2a9-fdc2-4137-9169-6d29a081668c
with next_task as (
    select job_id
    from generation_tasks
    where available_at <= now()
      and (leased_until is null or leased_until < now())
    order by available_at asc
    for update skip locked
    limit 1
),
claimed as (
    update generation_tasks
    set leased_until = now() + make_interval(secs => $1::int),
        attempts = attempts + 1
    where job_id in (select job_id from next_task)
    returning job_id, attempts
)
select job_id::text, attempts from claimed;
`

const QAckGenerationTask = `--sql 7a5eb80b-033d-4b52-80bb-16de1a1f90b5
delete from generation_tasks
where job_id = $1::uuid;
`

const QRetryGenerationTask = `--sql e8c3f354-2ac6-42ab-83f3-fea8a8a17a92
update generation_tasks
set leased_until = null,
    available_at = now() + make_interval(secs => $2::int)
where job_id = $1::uuid;
`
