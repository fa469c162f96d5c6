package sqlinline

// Column order shared by every statement that returns a generation job.
const jobColumns = `id::text, account_id, kind, state, prompt, model_id, params, credits_charged,
    result_reference, storage_key, thumbnail_key,
    signed_url, signed_url_expires_at, thumbnail_signed_url, thumbnail_signed_url_expires_at,
    width, height, seed, correlation_id, error_message,
    created_at, started_at, completed_at`

const QInsertGenerationJob = `--sql a7787e3a-c7bb-4ab2-95c7-6f57ef0a6c60
insert into generation_jobs (id, account_id, kind, state, prompt, model_id, params, credits_charged, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::text, coalesce($7::jsonb, '{}'::jsonb), $8::int, $9::timestamptz, $9::timestamptz);
`

const QSelectGenerationJob = `--sql 6cd1720d-914d-47d1-b1d3-a95dbccd45e5
select ` + jobColumns + `
from generation_jobs
where id = $1::uuid
limit 1;
`

const QSelectGenerationJobForAccount = `--sql 1c593482-2f40-47a9-ab16-1404262bb482
select ` + jobColumns + `
from generation_jobs
where id = $1::uuid
  and account_id = $2::text
limit 1;
`

const QSelectGenerationJobByCorrelation = `--sql 9f58903d-dc28-481b-b798-fc08a8adb2d3
select ` + jobColumns + `
from generation_jobs
where correlation_id = $1::text
order by created_at desc
limit 1;
`

// QPatchGenerationJob applies a field-scoped update. Null parameters keep the
// stored value. $17 is the state guard; an empty array disables it. The
// result reference is not replaced once a storage key exists unless the same
// write sets a new storage key.
const QPatchGenerationJob = `--sql fc4666e8-a338-41f9-b51e-92469e401f7e
update generation_jobs set
    state = coalesce($2::text, state),
    result_reference = case
        when $3::text is null then result_reference
        when storage_key is not null and $4::text is null then result_reference
        else $3::text
    end,
    storage_key = coalesce($4::text, storage_key),
    thumbnail_key = coalesce($5::text, thumbnail_key),
    signed_url = coalesce($6::text, signed_url),
    signed_url_expires_at = coalesce($7::timestamptz, signed_url_expires_at),
    thumbnail_signed_url = coalesce($8::text, thumbnail_signed_url),
    thumbnail_signed_url_expires_at = coalesce($9::timestamptz, thumbnail_signed_url_expires_at),
    width = coalesce($10::int, width),
    height = coalesce($11::int, height),
    seed = coalesce($12::bigint, seed),
    correlation_id = coalesce($13::text, correlation_id),
    error_message = coalesce($14::text, error_message),
    started_at = coalesce($15::timestamptz, started_at),
    completed_at = coalesce($16::timestamptz, completed_at),
    updated_at = now()
where id = $1::uuid
  and (coalesce(cardinality($17::text[]), 0) = 0 or state = any($17::text[]))
returning ` + jobColumns + `;
`

const QListGenerationJobsByAccount = `--sql 19a0bd69-0926-4265-9faf-a97963ea3e71
select ` + jobColumns + `
from generation_jobs
where account_id = $1::text
  and ($2::text = '' or state = $2::text)
order by created_at desc, id desc
limit $3::int
offset $4::int;
`

const QListUnpromotedGenerationJobs = `--sql 8a536a30-2397-4a0f-b348-958eb8c7ba83
select ` + jobColumns + `
from generation_jobs
where state = 'COMPLETED'
  and storage_key is null
  and result_reference is not null
order by created_at asc, id asc
limit $1::int;
`

const QListStaleGenerationJobs = `--sql 30b95bbc-7aef-443f-9584-38c20eeaa518
select ` + jobColumns + `
from generation_jobs
where state = $1::text
  and coalesce(started_at, created_at) < $2::timestamptz
order by created_at asc, id asc
limit $3::int;
`

const QDeleteGenerationJobForAccount = `--sql 7a94ee10-69ea-4dfd-b8b4-ea383223bcb0
delete from generation_jobs
where id = $1::uuid
  and account_id = $2::text
returning ` + jobColumns + `;
`
